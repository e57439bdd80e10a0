package utils

import (
	"crypto/sha256"
	"encoding/binary"

	"go.dedis.ch/kyber/v3"
	"golang.org/x/xerrors"
)

// HashPoint is the sha256 of the binary encoding of p.
func HashPoint(p kyber.Point) ([]byte, error) {
	buf, err := p.MarshalBinary()
	if err != nil {
		return nil, xerrors.Errorf("couldn't marshal point: %v", err)
	}
	h := sha256.New()
	h.Write(buf)
	return h.Sum(nil), nil
}

// Uint64Bytes is the little-endian encoding used for round numbers and
// digest fields throughout the repository.
func Uint64Bytes(val uint64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, val)
	return buf
}

// Key is the big-endian encoding of an id, so that bbolt keys sort in id
// order.
func Key(ids ...uint64) []byte {
	buf := make([]byte, 8*len(ids))
	for i, id := range ids {
		binary.BigEndian.PutUint64(buf[8*i:], id)
	}
	return buf
}
