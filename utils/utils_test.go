package utils

import (
	"bytes"
	"crypto/sha256"
	"testing"

	"github.com/stretchr/testify/require"
	"go.dedis.ch/cothority/v3"
	"go.dedis.ch/kyber/v3/util/key"
)

func TestKey_Order(t *testing.T) {
	require.Equal(t, 16, len(Key(1, 2)))
	require.True(t, bytes.Compare(Key(1, 255), Key(2, 0)) < 0)
	require.True(t, bytes.Compare(Key(255), Key(256)) < 0)
}

func TestHashPoint(t *testing.T) {
	kp := key.NewKeyPair(cothority.Suite)
	h, err := HashPoint(kp.Public)
	require.NoError(t, err)
	buf, err := kp.Public.MarshalBinary()
	require.NoError(t, err)
	sum := sha256.Sum256(buf)
	require.Equal(t, sum[:], h)
}

func TestUint64Bytes(t *testing.T) {
	require.Equal(t, []byte{1, 0, 0, 0, 0, 0, 0, 0}, Uint64Bytes(1))
	require.Equal(t, []byte{0, 1, 0, 0, 0, 0, 0, 0}, Uint64Bytes(256))
}
