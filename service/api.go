package service

import (
	"time"

	"github.com/dedis/ledgerlot/identity"
	"github.com/dedis/ledgerlot/lottery"
	"go.dedis.ch/cothority/v3"
	"go.dedis.ch/onet/v3"
	"golang.org/x/xerrors"
)

// Client talks to the lottery service of the first node of a roster.
type Client struct {
	*onet.Client
	roster *onet.Roster
}

func NewClient(r *onet.Roster) *Client {
	return &Client{Client: onet.NewClient(cothority.Suite, ServiceName), roster: r}
}

func (c *Client) send(req, reply interface{}) error {
	err := c.SendProtobuf(c.roster.List[0], req, reply)
	if err == nil {
		return nil
	}
	// The error kind is lost on the wire; recover it from the message.
	if e := lottery.FromString(err.Error()); e != nil {
		return xerrors.Errorf("%v: %w", err, e)
	}
	return err
}

// sign fetches the next request number of s and signs op over it.
func (c *Client) sign(s *identity.Signer, op string, fields []interface{}) (uint64, []byte, error) {
	acc, err := c.GetAccount(s.ID())
	if err != nil {
		return 0, nil, err
	}
	nonce := acc.Nonce + 1
	sig, err := s.SignRequest(op, nonce, fields...)
	if err != nil {
		return 0, nil, err
	}
	return nonce, sig, nil
}

// Setup must be signed with the private key of the conode.
func (c *Client) Setup(op *identity.Signer, slot time.Duration, nodes, threshold int,
	interval time.Duration, confirmations uint64) (*SetupReply, error) {
	req := &SetupRequest{
		SlotDuration:  slot,
		Nodes:         nodes,
		Threshold:     threshold,
		Interval:      interval,
		Confirmations: confirmations,
		Public:        op.Public,
	}
	var err error
	req.Nonce, req.Signature, err = c.sign(op, identity.OpSetup, req.fields())
	if err != nil {
		return nil, err
	}
	reply := &SetupReply{}
	err = c.send(req, reply)
	return reply, err
}

// Deposit must be signed with the private key of the conode.
func (c *Client) Deposit(op *identity.Signer, owner string,
	amount lottery.Amount) (*DepositReply, error) {
	req := &DepositRequest{Owner: owner, Amount: amount, Public: op.Public}
	var err error
	req.Nonce, req.Signature, err = c.sign(op, identity.OpDeposit, req.fields())
	if err != nil {
		return nil, err
	}
	reply := &DepositReply{}
	err = c.send(req, reply)
	return reply, err
}

func (c *Client) InitConfig(s *identity.Signer, p lottery.ConfigParams) (*InitConfigReply, error) {
	req := &InitConfigRequest{
		SaleStart:   p.SaleStart,
		SaleEnd:     p.SaleEnd,
		TicketPrice: p.TicketPrice,
		Public:      s.Public,
	}
	var err error
	req.Nonce, req.Signature, err = c.sign(s, identity.OpInitConfig, req.fields())
	if err != nil {
		return nil, err
	}
	reply := &InitConfigReply{}
	err = c.send(req, reply)
	return reply, err
}

func (c *Client) InitLottery(s *identity.Signer, configID uint64) (*InitLotteryReply, error) {
	req := &InitLotteryRequest{ConfigID: configID, Public: s.Public}
	var err error
	req.Nonce, req.Signature, err = c.sign(s, identity.OpInitLottery, req.fields())
	if err != nil {
		return nil, err
	}
	reply := &InitLotteryReply{}
	err = c.send(req, reply)
	return reply, err
}

func (c *Client) BuyTicket(s *identity.Signer, lotteryID uint64) (*BuyTicketReply, error) {
	req := &BuyTicketRequest{LotteryID: lotteryID, Public: s.Public}
	var err error
	req.Nonce, req.Signature, err = c.sign(s, identity.OpBuyTicket, req.fields())
	if err != nil {
		return nil, err
	}
	reply := &BuyTicketReply{}
	err = c.send(req, reply)
	return reply, err
}

func (c *Client) CommitRandomness(s *identity.Signer, lotteryID uint64,
	ref lottery.Reference) (*CommitRandomnessReply, error) {
	req := &CommitRandomnessRequest{
		LotteryID: lotteryID,
		Beacon:    ref.Beacon,
		Round:     ref.Round,
		Public:    s.Public,
	}
	var err error
	req.Nonce, req.Signature, err = c.sign(s, identity.OpCommitRandomness,
		req.fields())
	if err != nil {
		return nil, err
	}
	reply := &CommitRandomnessReply{}
	err = c.send(req, reply)
	return reply, err
}

func (c *Client) ResolveWinner(s *identity.Signer, lotteryID uint64) (*ResolveWinnerReply, error) {
	req := &ResolveWinnerRequest{LotteryID: lotteryID, Public: s.Public}
	var err error
	req.Nonce, req.Signature, err = c.sign(s, identity.OpResolveWinner, req.fields())
	if err != nil {
		return nil, err
	}
	reply := &ResolveWinnerReply{}
	err = c.send(req, reply)
	return reply, err
}

func (c *Client) ClaimPrize(s *identity.Signer, lotteryID, index uint64) (*ClaimPrizeReply, error) {
	req := &ClaimPrizeRequest{LotteryID: lotteryID, Index: index, Public: s.Public}
	var err error
	req.Nonce, req.Signature, err = c.sign(s, identity.OpClaimPrize, req.fields())
	if err != nil {
		return nil, err
	}
	reply := &ClaimPrizeReply{}
	err = c.send(req, reply)
	return reply, err
}

func (c *Client) GetStatus(lotteryID uint64) (*GetStatusReply, error) {
	reply := &GetStatusReply{}
	err := c.send(&GetStatusRequest{LotteryID: lotteryID}, reply)
	return reply, err
}

func (c *Client) GetBeacon() (*GetBeaconReply, error) {
	reply := &GetBeaconReply{}
	err := c.send(&GetBeaconRequest{}, reply)
	return reply, err
}

func (c *Client) GetAccount(owner string) (*GetAccountReply, error) {
	reply := &GetAccountReply{}
	err := c.send(&GetAccountRequest{Owner: owner}, reply)
	return reply, err
}
