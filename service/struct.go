package service

import (
	"time"

	"github.com/dedis/ledgerlot/lottery"
	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/onet/v3/network"
)

func init() {
	network.RegisterMessages(&storage{},
		&SetupRequest{}, &SetupReply{},
		&DepositRequest{}, &DepositReply{},
		&InitConfigRequest{}, &InitConfigReply{},
		&InitLotteryRequest{}, &InitLotteryReply{},
		&BuyTicketRequest{}, &BuyTicketReply{},
		&CommitRandomnessRequest{}, &CommitRandomnessReply{},
		&ResolveWinnerRequest{}, &ResolveWinnerReply{},
		&ClaimPrizeRequest{}, &ClaimPrizeReply{},
		&GetStatusRequest{}, &GetStatusReply{},
		&GetBeaconRequest{}, &GetBeaconReply{},
		&GetAccountRequest{}, &GetAccountReply{})
}

// Every signed request carries Nonce, the request number of its signer. It
// must be above the last one the service accepted from that signer.

// SetupRequest starts the beacon and the slot clock of the node. It must
// be signed by the node's operator key.
type SetupRequest struct {
	SlotDuration  time.Duration
	Nodes         int
	Threshold     int
	Interval      time.Duration
	Confirmations uint64
	Nonce         uint64
	Public        kyber.Point
	Signature     []byte
}

// SetupReply carries the beacon key marshaled: it lives on bn256, which
// the network decoder does not know.
type SetupReply struct {
	BeaconID     []byte
	BeaconPublic []byte
	MinterPublic kyber.Point
}

// DepositRequest funds the account of Owner. It must be signed by the
// node's operator key.
type DepositRequest struct {
	Owner     string
	Amount    lottery.Amount
	Nonce     uint64
	Public    kyber.Point
	Signature []byte
}

type DepositReply struct {
	Balance lottery.Amount
}

type InitConfigRequest struct {
	SaleStart   lottery.Slot
	SaleEnd     lottery.Slot
	TicketPrice lottery.Amount
	Nonce       uint64
	Public      kyber.Point
	Signature   []byte
}

type InitConfigReply struct {
	ConfigID uint64
}

type InitLotteryRequest struct {
	ConfigID  uint64
	Nonce     uint64
	Public    kyber.Point
	Signature []byte
}

type InitLotteryReply struct {
	LotteryID uint64
}

type BuyTicketRequest struct {
	LotteryID uint64
	Nonce     uint64
	Public    kyber.Point
	Signature []byte
}

type BuyTicketReply struct {
	Ticket lottery.Ticket
}

type CommitRandomnessRequest struct {
	LotteryID uint64
	Beacon    []byte
	Round     uint64
	Nonce     uint64
	Public    kyber.Point
	Signature []byte
}

type CommitRandomnessReply struct{}

type ResolveWinnerRequest struct {
	LotteryID uint64
	Nonce     uint64
	Public    kyber.Point
	Signature []byte
}

type ResolveWinnerReply struct {
	WinningIndex uint64
}

type ClaimPrizeRequest struct {
	LotteryID uint64
	Index     uint64
	Nonce     uint64
	Public    kyber.Point
	Signature []byte
}

type ClaimPrizeReply struct {
	Amount lottery.Amount
}

type GetStatusRequest struct {
	LotteryID uint64
}

type GetStatusReply struct {
	Config      lottery.Config
	Lottery     lottery.Lottery
	Phase       lottery.Phase
	Vault       lottery.Amount
	Now         lottery.Slot
	TicketOwner []string
}

type GetBeaconRequest struct{}

type GetBeaconReply struct {
	ID        []byte
	Public    []byte
	NextRound uint64
}

// GetAccountRequest asks for the balance and the last request number of
// an identity.
type GetAccountRequest struct {
	Owner string
}

type GetAccountReply struct {
	Balance lottery.Amount
	Nonce   uint64
}

// storage is what the service keeps across restarts, next to the ledger
// bucket.
type storage struct {
	MinterKey []byte

	Ready         bool
	Epoch         int64
	SlotDuration  time.Duration
	Nodes         int
	Threshold     int
	Interval      time.Duration
	Confirmations uint64
	BeaconSecret  []byte
}

// The fields below are what the request signatures cover, after the op
// name and the nonce.

func (r *SetupRequest) fields() []interface{} {
	return []interface{}{uint64(r.SlotDuration), uint64(r.Nodes),
		uint64(r.Threshold), uint64(r.Interval), r.Confirmations}
}

func (r *DepositRequest) fields() []interface{} {
	return []interface{}{r.Owner, uint64(r.Amount)}
}

func (r *InitConfigRequest) fields() []interface{} {
	return []interface{}{uint64(r.SaleStart), uint64(r.SaleEnd),
		uint64(r.TicketPrice)}
}

func (r *InitLotteryRequest) fields() []interface{} {
	return []interface{}{r.ConfigID}
}

func (r *BuyTicketRequest) fields() []interface{} {
	return []interface{}{r.LotteryID}
}

func (r *CommitRandomnessRequest) fields() []interface{} {
	return []interface{}{r.LotteryID, r.Beacon, r.Round}
}

func (r *ResolveWinnerRequest) fields() []interface{} {
	return []interface{}{r.LotteryID}
}

func (r *ClaimPrizeRequest) fields() []interface{} {
	return []interface{}{r.LotteryID, r.Index}
}
