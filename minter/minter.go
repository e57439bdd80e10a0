// Package minter issues ticket credentials: a Schnorr signature of the
// minter over the lottery id, ticket index and owner, encoded with
// protobuf so that it can travel on its own.
package minter

import (
	"sync"

	"github.com/dedis/ledgerlot/identity"
	"go.dedis.ch/cothority/v3"
	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/sign/schnorr"
	"go.dedis.ch/onet/v3/log"
	"go.dedis.ch/protobuf"
	"golang.org/x/xerrors"
)

const credentialOp = "ticket"

// Credential proves that a ticket was issued to Owner.
type Credential struct {
	Lottery uint64
	Index   uint64
	Owner   string
	Sig     []byte
}

func (c *Credential) digest() []byte {
	return identity.Digest(credentialOp, c.Lottery, c.Index, c.Owner)
}

type ticketID struct {
	lottery uint64
	index   uint64
}

// Minter implements lottery.Minter.
type Minter struct {
	sync.Mutex
	signer *identity.Signer
	minted map[ticketID]bool
}

// New creates a minter signing with s.
func New(s *identity.Signer) *Minter {
	return &Minter{signer: s, minted: make(map[ticketID]bool)}
}

// Public is the key credentials verify against.
func (m *Minter) Public() kyber.Point {
	return m.signer.Public
}

// Mint returns the encoded credential of ticket index of lotteryID. A
// ticket can only be minted once unless it is burnt.
func (m *Minter) Mint(lotteryID uint64, owner string, index uint64) ([]byte, error) {
	m.Lock()
	defer m.Unlock()
	id := ticketID{lotteryID, index}
	if m.minted[id] {
		return nil, xerrors.Errorf("ticket %d of lottery %d already minted",
			index, lotteryID)
	}
	c := &Credential{Lottery: lotteryID, Index: index, Owner: owner}
	sig, err := m.signer.Sign(c.digest())
	if err != nil {
		return nil, xerrors.Errorf("couldn't sign credential: %v", err)
	}
	c.Sig = sig
	buf, err := protobuf.Encode(c)
	if err != nil {
		return nil, xerrors.Errorf("couldn't encode credential: %v", err)
	}
	m.minted[id] = true
	log.Lvlf3("minted ticket %d of lottery %d", index, lotteryID)
	return buf, nil
}

// Burn forgets a minted ticket.
func (m *Minter) Burn(lotteryID uint64, index uint64) error {
	m.Lock()
	defer m.Unlock()
	id := ticketID{lotteryID, index}
	if !m.minted[id] {
		return xerrors.Errorf("ticket %d of lottery %d was not minted",
			index, lotteryID)
	}
	delete(m.minted, id)
	return nil
}

// Verify decodes a credential and checks the minter's signature on it.
func Verify(public kyber.Point, buf []byte) (*Credential, error) {
	c := &Credential{}
	if err := protobuf.Decode(buf, c); err != nil {
		return nil, xerrors.Errorf("couldn't decode credential: %v", err)
	}
	if err := schnorr.Verify(cothority.Suite, public, c.digest(), c.Sig); err != nil {
		return nil, xerrors.Errorf("couldn't verify credential: %v", err)
	}
	return c, nil
}

// Check verifies that credential is the one minted for ticket index of
// lotteryID, held by owner.
func (m *Minter) Check(lotteryID uint64, index uint64, owner string, credential []byte) error {
	c, err := Verify(m.Public(), credential)
	if err != nil {
		return err
	}
	if c.Lottery != lotteryID || c.Index != index || c.Owner != owner {
		return xerrors.Errorf("credential is for ticket %d of lottery %d",
			c.Index, c.Lottery)
	}
	return nil
}
