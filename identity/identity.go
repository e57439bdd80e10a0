// Package identity turns a signed request into an authenticated caller.
//
// Callers are identified by the hex encoding of their Schnorr public key
// on cothority.Suite. A Caller value can only be obtained by verifying a
// signature, so code that takes a Caller never sees an unauthenticated
// identity.
package identity

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/dedis/ledgerlot/utils"
	"go.dedis.ch/cothority/v3"
	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/sign/schnorr"
	"go.dedis.ch/kyber/v3/util/encoding"
	"go.dedis.ch/kyber/v3/util/key"
	"golang.org/x/xerrors"
)

// Caller is a verified caller identity.
type Caller struct {
	public kyber.Point
	id     string
}

// ID returns the hex encoding of the caller's public key.
func (c Caller) ID() string {
	return c.id
}

func (c Caller) Public() kyber.Point {
	return c.public
}

// IsZero reports whether c was not produced by Verify.
func (c Caller) IsZero() bool {
	return c.public == nil || c.id == ""
}

func (c Caller) String() string {
	if c.IsZero() {
		return "<unauthenticated>"
	}
	if len(c.id) > 16 {
		return c.id[:16]
	}
	return c.id
}

// Verify checks sig on msg under public and returns the authenticated
// caller.
func Verify(public kyber.Point, msg, sig []byte) (Caller, error) {
	if public == nil {
		return Caller{}, xerrors.New("missing public key")
	}
	err := schnorr.Verify(cothority.Suite, public, msg, sig)
	if err != nil {
		return Caller{}, xerrors.Errorf("couldn't verify signature: %v", err)
	}
	if err := canonical(sig); err != nil {
		return Caller{}, err
	}
	id, err := ID(public)
	if err != nil {
		return Caller{}, err
	}
	return Caller{public: public, id: id}, nil
}

// canonical refuses a signature whose encoding is not the one Sign
// produces. schnorr.Verify reduces the scalar modulo the group order, so
// R||(s+L) verifies as well as R||s.
func canonical(sig []byte) error {
	r := cothority.Suite.Point()
	s := cothority.Suite.Scalar()
	n := r.MarshalSize()
	if err := r.UnmarshalBinary(sig[:n]); err != nil {
		return xerrors.Errorf("couldn't decode signature: %v", err)
	}
	if err := s.UnmarshalBinary(sig[n:]); err != nil {
		return xerrors.Errorf("couldn't decode signature: %v", err)
	}
	rb, err := r.MarshalBinary()
	if err != nil {
		return err
	}
	sb, err := s.MarshalBinary()
	if err != nil {
		return err
	}
	if !bytes.Equal(rb, sig[:n]) || !bytes.Equal(sb, sig[n:]) {
		return ErrMalleated
	}
	return nil
}

// ID encodes a public key into the identity string stored in the ledger.
func ID(public kyber.Point) (string, error) {
	id, err := encoding.PointToStringHex(cothority.Suite, public)
	if err != nil {
		return "", xerrors.Errorf("couldn't encode public key: %v", err)
	}
	return id, nil
}

// ParseID is the inverse of ID.
func ParseID(id string) (kyber.Point, error) {
	p, err := encoding.StringHexToPoint(cothority.Suite, id)
	if err != nil {
		return nil, xerrors.Errorf("couldn't decode public key %q: %v", id, err)
	}
	return p, nil
}

// Digest computes the message a client signs for operation op. Fields are
// length-prefixed so that distinct field lists never collide.
func Digest(op string, fields ...interface{}) []byte {
	h := sha256.New()
	writeField(h, []byte(op))
	for _, f := range fields {
		switch v := f.(type) {
		case uint64:
			writeField(h, utils.Uint64Bytes(v))
		case string:
			writeField(h, []byte(v))
		case []byte:
			writeField(h, v)
		default:
			panic(fmt.Sprintf("identity: unsupported digest field %T", f))
		}
	}
	return h.Sum(nil)
}

func writeField(h interface{ Write([]byte) (int, error) }, b []byte) {
	l := make([]byte, 4)
	binary.LittleEndian.PutUint32(l, uint32(len(b)))
	h.Write(l)
	h.Write(b)
}

// RequestDigest is the message signed for a request: the digest of op with
// the caller's request number in front of the fields.
func RequestDigest(op string, nonce uint64, fields ...interface{}) []byte {
	return Digest(op, append([]interface{}{nonce}, fields...)...)
}

// Signer holds a key pair on the client side.
type Signer struct {
	*key.Pair
}

// NewSigner creates a signer with a fresh key pair.
func NewSigner() *Signer {
	return &Signer{Pair: key.NewKeyPair(cothority.Suite)}
}

// LoadSigner restores a signer from its hex-encoded private scalar.
func LoadSigner(private string) (*Signer, error) {
	sk, err := encoding.StringHexToScalar(cothority.Suite, private)
	if err != nil {
		return nil, xerrors.Errorf("couldn't decode private key: %v", err)
	}
	pk := cothority.Suite.Point().Mul(sk, nil)
	return &Signer{Pair: &key.Pair{Public: pk, Private: sk}}, nil
}

// ID returns the identity string of the signer.
func (s *Signer) ID() string {
	id, err := ID(s.Public)
	if err != nil {
		panic(err)
	}
	return id
}

// Sign produces a Schnorr signature on msg.
func (s *Signer) Sign(msg []byte) ([]byte, error) {
	return schnorr.Sign(cothority.Suite, s.Private, msg)
}

// SignRequest signs the request digest of op under request number nonce.
func (s *Signer) SignRequest(op string, nonce uint64, fields ...interface{}) ([]byte, error) {
	return s.Sign(RequestDigest(op, nonce, fields...))
}

// Caller signs the digest of op and fields and verifies it right away. It
// is how in-process callers (tests, the CLI) authenticate.
func (s *Signer) Caller(op string, fields ...interface{}) (Caller, error) {
	msg := Digest(op, fields...)
	sig, err := s.Sign(msg)
	if err != nil {
		return Caller{}, xerrors.Errorf("couldn't sign request: %v", err)
	}
	return Verify(s.Public, msg, sig)
}

var (
	// ErrReplayed is returned for a request number that is not above the
	// last one accepted from the same caller.
	ErrReplayed = xerrors.New("request number already used")
	// ErrMalleated is returned for a valid signature in a non-canonical
	// encoding.
	ErrMalleated = xerrors.New("non-canonical signature")
)

// Nonces remembers the last request number accepted from each caller. It
// must outlive restarts, or old requests become valid again.
type Nonces interface {
	// Nonce is the last number accepted from caller, 0 if none.
	Nonce(caller string) (uint64, error)
	// AdvanceNonce records nonce for caller if it is above the last one,
	// atomically, and fails with ErrReplayed otherwise.
	AdvanceNonce(caller string, nonce uint64) error
}

// Guard verifies request signatures and accepts every request number of a
// caller at most once, in increasing order.
type Guard struct {
	nonces Nonces
}

// NewGuard returns a guard recording request numbers in n.
func NewGuard(n Nonces) *Guard {
	return &Guard{nonces: n}
}

// Verify checks sig over RequestDigest(op, nonce, fields...) and consumes
// nonce.
func (g *Guard) Verify(public kyber.Point, sig []byte, op string, nonce uint64,
	fields ...interface{}) (Caller, error) {
	c, err := Verify(public, RequestDigest(op, nonce, fields...), sig)
	if err != nil {
		return Caller{}, err
	}
	if err := g.nonces.AdvanceNonce(c.ID(), nonce); err != nil {
		return Caller{}, xerrors.Errorf("request %d of %s: %w", nonce, c, err)
	}
	return c, nil
}

// Nonce is the last request number accepted from caller.
func (g *Guard) Nonce(caller string) (uint64, error) {
	return g.nonces.Nonce(caller)
}
