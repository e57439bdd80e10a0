// Package service runs the lottery engine as an onet service. Every
// mutating request is signed by its caller under a fresh request number;
// Setup and Deposit are reserved to the conode's own key. The ledger, the
// accounts and the beacon rounds live in a bucket of the conode database,
// and the keys in the service storage, so a restarted node picks up where
// it stopped.
package service

import (
	"sync"
	"time"

	"github.com/dedis/ledgerlot/bank"
	"github.com/dedis/ledgerlot/beacon"
	"github.com/dedis/ledgerlot/identity"
	"github.com/dedis/ledgerlot/lottery"
	"github.com/dedis/ledgerlot/minter"
	"github.com/dedis/ledgerlot/store"
	"go.dedis.ch/cothority/v3"
	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/util/key"
	"go.dedis.ch/onet/v3"
	"go.dedis.ch/onet/v3/log"
	"golang.org/x/xerrors"
)

var serviceID onet.ServiceID

var storageKey = []byte("storage")

// ServiceName is the name of the lottery service.
const ServiceName = "LotteryService"

func init() {
	var err error
	serviceID, err = onet.RegisterNewService(ServiceName, newService)
	log.ErrFatal(err)
}

// Service holds the engine and its collaborators.
type Service struct {
	*onet.ServiceProcessor

	// mu protects storage, beacon and engine.
	mu      sync.Mutex
	storage *storage
	store   *store.Store
	bank    *bank.Ledger
	minter  *minter.Minter
	guard   *identity.Guard
	beacon  *beacon.Beacon
	engine  *lottery.Engine

	// wall drives the beacon rounds and the slot clock.
	wall lottery.TimeSource
}

type systemTime struct{}

func (systemTime) Now() time.Time {
	return time.Now()
}

// Setup deals the beacon shares and starts counting slots. It can only be
// called once, by the operator of the node.
func (s *Service) Setup(req *SetupRequest) (*SetupReply, error) {
	err := s.operator(req.Public, req.Signature, identity.OpSetup, req.Nonce,
		req.fields())
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.engine != nil {
		return nil, xerrors.New("service already set up")
	}
	if req.SlotDuration <= 0 {
		return nil, xerrors.New("slot duration must be positive")
	}
	secret := lottery.BeaconSuite.G2().Scalar().Pick(lottery.BeaconSuite.RandomStream())
	buf, err := secret.MarshalBinary()
	if err != nil {
		return nil, xerrors.Errorf("couldn't marshal beacon secret: %v", err)
	}
	setup := *s.storage
	setup.Ready = true
	setup.Epoch = s.wall.Now().UnixNano()
	setup.SlotDuration = req.SlotDuration
	setup.Nodes = req.Nodes
	setup.Threshold = req.Threshold
	setup.Interval = req.Interval
	setup.Confirmations = req.Confirmations
	setup.BeaconSecret = buf
	if err := s.start(&setup); err != nil {
		return nil, xerrors.Errorf("couldn't start beacon: %v", err)
	}
	*s.storage = setup
	if err := s.save(); err != nil {
		s.beacon.Stop()
		s.beacon, s.engine = nil, nil
		s.storage.Ready = false
		return nil, err
	}

	pub, err := s.beacon.Public().MarshalBinary()
	if err != nil {
		return nil, xerrors.Errorf("couldn't marshal beacon key: %v", err)
	}
	log.Lvl1(s.ServerIdentity(), "lottery service set up")
	return &SetupReply{
		BeaconID:     s.beacon.ID(),
		BeaconPublic: pub,
		MinterPublic: s.minter.Public(),
	}, nil
}

// start builds the beacon and the engine out of the setup parameters in
// st and launches round production. The caller holds mu.
func (s *Service) start(st *storage) error {
	secret := lottery.BeaconSuite.G2().Scalar()
	if err := secret.UnmarshalBinary(st.BeaconSecret); err != nil {
		return xerrors.Errorf("couldn't decode beacon secret: %v", err)
	}
	epoch := time.Unix(0, st.Epoch)
	b, err := beacon.New(beacon.Config{
		Nodes:         st.Nodes,
		Threshold:     st.Threshold,
		Interval:      st.Interval,
		Confirmations: st.Confirmations,
		Genesis:       epoch,
		Secret:        secret,
	}, s.wall, s.store)
	if err != nil {
		return err
	}
	clock := lottery.WallClock{Epoch: epoch, SlotDuration: st.SlotDuration,
		Time: s.wall}
	s.beacon = b
	s.engine = lottery.NewEngine(s.store, b, s.bank, s.minter, clock)
	b.Start()
	return nil
}

// stop halts round production.
func (s *Service) stop() {
	s.mu.Lock()
	b := s.beacon
	s.mu.Unlock()
	if b != nil {
		b.Stop()
	}
}

func (s *Service) ready() (*lottery.Engine, *beacon.Beacon, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.engine == nil {
		return nil, nil, xerrors.New("service is not set up")
	}
	return s.engine, s.beacon, nil
}

func (s *Service) caller(public kyber.Point, sig []byte, op string, nonce uint64,
	fields []interface{}) (identity.Caller, error) {
	if public == nil {
		return identity.Caller{}, xerrors.Errorf("missing public key: %w",
			lottery.ErrUnauthenticated)
	}
	c, err := s.guard.Verify(public, sig, op, nonce, fields...)
	if err != nil {
		return identity.Caller{}, xerrors.Errorf("%v: %w", err,
			lottery.ErrUnauthenticated)
	}
	return c, nil
}

// operator authenticates a request that only the conode key may sign.
func (s *Service) operator(public kyber.Point, sig []byte, op string, nonce uint64,
	fields []interface{}) error {
	if public == nil || !public.Equal(s.ServerIdentity().Public) {
		return xerrors.Errorf("%s is reserved to the node operator: %w", op,
			lottery.ErrUnauthorized)
	}
	_, err := s.caller(public, sig, op, nonce, fields)
	return err
}

// Deposit funds an account.
func (s *Service) Deposit(req *DepositRequest) (*DepositReply, error) {
	err := s.operator(req.Public, req.Signature, identity.OpDeposit, req.Nonce,
		req.fields())
	if err != nil {
		return nil, err
	}
	if _, err := identity.ParseID(req.Owner); err != nil {
		return nil, xerrors.Errorf("invalid owner: %v", err)
	}
	if err := s.bank.Deposit(req.Owner, req.Amount); err != nil {
		return nil, err
	}
	bal, err := s.bank.Balance(req.Owner)
	if err != nil {
		return nil, err
	}
	log.Lvl2(s.ServerIdentity(), "deposit of", req.Amount)
	return &DepositReply{Balance: bal}, nil
}

func (s *Service) InitConfig(req *InitConfigRequest) (*InitConfigReply, error) {
	e, _, err := s.ready()
	if err != nil {
		return nil, err
	}
	c, err := s.caller(req.Public, req.Signature, identity.OpInitConfig,
		req.Nonce, req.fields())
	if err != nil {
		return nil, err
	}
	id, err := e.InitConfig(c, lottery.ConfigParams{SaleStart: req.SaleStart,
		SaleEnd: req.SaleEnd, TicketPrice: req.TicketPrice})
	if err != nil {
		return nil, err
	}
	return &InitConfigReply{ConfigID: id}, nil
}

func (s *Service) InitLottery(req *InitLotteryRequest) (*InitLotteryReply, error) {
	e, _, err := s.ready()
	if err != nil {
		return nil, err
	}
	c, err := s.caller(req.Public, req.Signature, identity.OpInitLottery,
		req.Nonce, req.fields())
	if err != nil {
		return nil, err
	}
	id, err := e.InitLottery(c, req.ConfigID)
	if err != nil {
		return nil, err
	}
	return &InitLotteryReply{LotteryID: id}, nil
}

func (s *Service) BuyTicket(req *BuyTicketRequest) (*BuyTicketReply, error) {
	e, _, err := s.ready()
	if err != nil {
		return nil, err
	}
	c, err := s.caller(req.Public, req.Signature, identity.OpBuyTicket,
		req.Nonce, req.fields())
	if err != nil {
		return nil, err
	}
	t, err := e.BuyTicket(c, req.LotteryID)
	if err != nil {
		return nil, err
	}
	return &BuyTicketReply{Ticket: *t}, nil
}

func (s *Service) CommitRandomness(req *CommitRandomnessRequest) (*CommitRandomnessReply, error) {
	e, _, err := s.ready()
	if err != nil {
		return nil, err
	}
	c, err := s.caller(req.Public, req.Signature, identity.OpCommitRandomness,
		req.Nonce, req.fields())
	if err != nil {
		return nil, err
	}
	ref := lottery.Reference{Beacon: req.Beacon, Round: req.Round}
	if err := e.CommitRandomness(c, req.LotteryID, ref); err != nil {
		return nil, err
	}
	return &CommitRandomnessReply{}, nil
}

func (s *Service) ResolveWinner(req *ResolveWinnerRequest) (*ResolveWinnerReply, error) {
	e, _, err := s.ready()
	if err != nil {
		return nil, err
	}
	c, err := s.caller(req.Public, req.Signature, identity.OpResolveWinner,
		req.Nonce, req.fields())
	if err != nil {
		return nil, err
	}
	w, err := e.ResolveWinner(c, req.LotteryID)
	if err != nil {
		return nil, err
	}
	return &ResolveWinnerReply{WinningIndex: w}, nil
}

func (s *Service) ClaimPrize(req *ClaimPrizeRequest) (*ClaimPrizeReply, error) {
	e, _, err := s.ready()
	if err != nil {
		return nil, err
	}
	c, err := s.caller(req.Public, req.Signature, identity.OpClaimPrize,
		req.Nonce, req.fields())
	if err != nil {
		return nil, err
	}
	amount, err := e.ClaimPrize(c, req.LotteryID, req.Index)
	if err != nil {
		return nil, err
	}
	return &ClaimPrizeReply{Amount: amount}, nil
}

// GetStatus returns the lottery with the owners of its tickets.
func (s *Service) GetStatus(req *GetStatusRequest) (*GetStatusReply, error) {
	e, _, err := s.ready()
	if err != nil {
		return nil, err
	}
	st, err := e.Status(req.LotteryID)
	if err != nil {
		return nil, err
	}
	ts, err := e.Tickets(req.LotteryID)
	if err != nil {
		return nil, err
	}
	reply := &GetStatusReply{
		Config:  st.Config,
		Lottery: st.Lottery,
		Phase:   st.Phase,
		Vault:   st.Vault,
		Now:     st.Now,
	}
	for _, t := range ts {
		reply.TicketOwner = append(reply.TicketOwner, t.Owner)
	}
	return reply, nil
}

func (s *Service) GetBeacon(req *GetBeaconRequest) (*GetBeaconReply, error) {
	_, b, err := s.ready()
	if err != nil {
		return nil, err
	}
	info, err := b.Info()
	if err != nil {
		return nil, err
	}
	pub, err := info.Public.MarshalBinary()
	if err != nil {
		return nil, xerrors.Errorf("couldn't marshal beacon key: %v", err)
	}
	return &GetBeaconReply{ID: info.ID, Public: pub, NextRound: info.NextRound}, nil
}

// GetAccount returns the balance of an identity and the last request
// number it used. Unknown identities have zero of both.
func (s *Service) GetAccount(req *GetAccountRequest) (*GetAccountReply, error) {
	bal, err := s.bank.Balance(req.Owner)
	if err != nil && !xerrors.Is(err, bank.ErrUnknownAccount) {
		return nil, err
	}
	nonce, err := s.guard.Nonce(req.Owner)
	if err != nil {
		return nil, err
	}
	return &GetAccountReply{Balance: bal, Nonce: nonce}, nil
}

func (s *Service) save() error {
	err := s.Save(storageKey, s.storage)
	if err != nil {
		log.Errorf("Could not save data: %v", err)
		return err
	}
	return nil
}

// tryLoad restores the minter key and, if the node was set up before, the
// beacon and the engine. A node without a minter key gets a fresh one.
func (s *Service) tryLoad() error {
	s.storage = &storage{}
	msg, err := s.Load(storageKey)
	if err != nil {
		log.Errorf("Load storage failed: %v", err)
		return err
	}
	if msg != nil {
		var ok bool
		s.storage, ok = msg.(*storage)
		if !ok {
			return xerrors.New("store of wrong type")
		}
	}

	if len(s.storage.MinterKey) == 0 {
		buf, err := identity.NewSigner().Private.MarshalBinary()
		if err != nil {
			return xerrors.Errorf("couldn't marshal minter key: %v", err)
		}
		s.storage.MinterKey = buf
		if err := s.save(); err != nil {
			return err
		}
	}
	sk := cothority.Suite.Scalar()
	if err := sk.UnmarshalBinary(s.storage.MinterKey); err != nil {
		return xerrors.Errorf("couldn't decode minter key: %v", err)
	}
	s.minter = minter.New(&identity.Signer{Pair: &key.Pair{
		Public:  cothority.Suite.Point().Mul(sk, nil),
		Private: sk,
	}})

	if !s.storage.Ready {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.start(s.storage)
}

func newService(c *onet.Context) (onet.Service, error) {
	db, bucket := c.GetAdditionalBucket([]byte("ledger"))
	st, err := store.New(db, bucket)
	if err != nil {
		return nil, err
	}
	s := &Service{
		ServiceProcessor: onet.NewServiceProcessor(c),
		store:            st,
		bank:             bank.NewLedger(st),
		guard:            identity.NewGuard(st),
		wall:             systemTime{},
	}
	err = s.RegisterHandlers(s.Setup, s.Deposit, s.InitConfig, s.InitLottery,
		s.BuyTicket, s.CommitRandomness, s.ResolveWinner, s.ClaimPrize,
		s.GetStatus, s.GetBeacon, s.GetAccount)
	if err != nil {
		log.Errorf("couldn't register handlers: %v", err)
		return nil, err
	}
	if err := s.tryLoad(); err != nil {
		return nil, err
	}
	return s, nil
}
