package lottery

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"

	"github.com/dedis/ledgerlot/utils"
	"github.com/holiman/uint256"
	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/pairing/bn256"
	"go.dedis.ch/kyber/v3/sign/bls"
	"go.dedis.ch/onet/v3/log"
	"golang.org/x/xerrors"
)

// BeaconSuite is the pairing suite beacon outputs are verified on.
var BeaconSuite = bn256.NewSuite()

// BeaconID is the reference id of a beacon: the hash of its group public
// key.
func BeaconID(public kyber.Point) ([]byte, error) {
	return utils.HashPoint(public)
}

// Hash binds every field of the output.
func (r *Randomness) Hash() ([]byte, error) {
	buf, err := r.Public.MarshalBinary()
	if err != nil {
		return nil, err
	}
	h := sha256.New()
	h.Write(buf)
	h.Write(utils.Uint64Bytes(r.Round))
	h.Write(r.Prev)
	h.Write(r.Value)
	return h.Sum(nil), nil
}

// commit records ref on l after checking that the oracle behind it is the
// one the engine trusts and that the referenced round is still unknown.
func (e *Engine) commit(l *Lottery, ref Reference, now Slot) error {
	if !bytes.Equal(ref.Beacon, e.oracle.ID()) {
		return xerrors.Errorf("reference names beacon %x: %w", ref.Beacon, ErrStale)
	}
	next, err := e.oracle.NextRound()
	if err != nil {
		return xerrors.Errorf("couldn't query randomness oracle: %v", err)
	}
	if ref.Round < next {
		return xerrors.Errorf("round %d already produced (next is %d): %w",
			ref.Round, next, ErrAlreadyRevealed)
	}
	if ref.Round-next > CommitWindow {
		return xerrors.Errorf("round %d, next is %d: %w", ref.Round, next,
			ErrRoundTooFar)
	}
	l.Committed = true
	l.Reference = Reference{Beacon: append([]byte{}, ref.Beacon...), Round: ref.Round}
	l.CommitSlot = now
	return nil
}

// reveal returns the random value behind l's reference, caching it in l
// the first time it is obtained.
func (e *Engine) reveal(l *Lottery) (*uint256.Int, error) {
	if !l.Committed {
		return nil, ErrNotCommitted
	}
	if len(l.Revealed) == 32 {
		return new(uint256.Int).SetBytes32(l.Revealed), nil
	}
	r, err := e.oracle.Randomness(l.Reference)
	if err != nil {
		if KindOf(err) != KindUnknown {
			return nil, err
		}
		return nil, xerrors.Errorf("couldn't fetch randomness: %v", err)
	}
	if err := checkRandomness(l.Reference, r); err != nil {
		return nil, err
	}
	v := RandomValue(r)
	b := v.Bytes32()
	l.Revealed = b[:]
	log.Lvlf2("lottery %d: revealed round %d", l.ID, r.Round)
	return v, nil
}

// checkRandomness verifies that r is the finalized output for ref and not
// some other, possibly older, signature of the same beacon.
func checkRandomness(ref Reference, r *Randomness) error {
	if r == nil || r.Public == nil {
		return xerrors.Errorf("empty randomness: %w", ErrStale)
	}
	if r.Round != ref.Round {
		return xerrors.Errorf("got round %d, committed to %d: %w",
			r.Round, ref.Round, ErrStale)
	}
	id, err := BeaconID(r.Public)
	if err != nil {
		return err
	}
	if !bytes.Equal(id, ref.Beacon) {
		return xerrors.Errorf("randomness signed by another beacon: %w", ErrStale)
	}
	// Every round but the genesis one signs its own round number.
	if r.Round > 0 {
		if len(r.Prev) < 8 || binary.LittleEndian.Uint64(r.Prev[:8]) != r.Round {
			return xerrors.Errorf("signed message is not for round %d: %w",
				r.Round, ErrStale)
		}
	}
	if err := bls.Verify(BeaconSuite, r.Public, r.Prev, r.Value); err != nil {
		return xerrors.Errorf("couldn't verify randomness (%v): %w", err, ErrStale)
	}
	return nil
}
