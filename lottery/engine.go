package lottery

import (
	"github.com/dedis/ledgerlot/identity"
	"github.com/holiman/uint256"
	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/onet/v3/log"
	"golang.org/x/xerrors"
)

// Store is the authoritative ledger. Update runs fn in a serializable
// transaction that either commits entirely or not at all.
type Store interface {
	View(fn func(tx Tx) error) error
	Update(fn func(tx Tx) error) error
}

// Tx gives access to the records inside one store transaction. Lookups of
// missing records return ErrNoSuchConfig, ErrNoSuchLottery or
// ErrNoSuchTicket.
type Tx interface {
	NextConfigID() (uint64, error)
	Config(id uint64) (*Config, error)
	PutConfig(c *Config) error

	NextLotteryID() (uint64, error)
	Lottery(id uint64) (*Lottery, error)
	LotteryByConfig(configID uint64) (uint64, bool, error)
	// PutLottery writes l only if the stored version still equals
	// l.Version, and bumps l.Version. It returns ErrVersionMismatch
	// otherwise.
	PutLottery(l *Lottery) error

	Ticket(lotteryID, index uint64) (*Ticket, error)
	// Tickets lists the tickets of a lottery in index order.
	Tickets(lotteryID uint64) ([]*Ticket, error)
	PutTicket(t *Ticket) error

	Vault(lotteryID uint64) (Amount, error)
	PutVault(lotteryID uint64, balance Amount) error

	// Balance returns the account of owner and whether it exists, for
	// payment ledgers kept in the store.
	Balance(owner string) (Amount, bool, error)
	PutBalance(owner string, balance Amount) error
}

// Oracle is the randomness source. None of its methods block waiting for
// a round to be produced.
type Oracle interface {
	// ID is the value expected in Reference.Beacon.
	ID() []byte
	Public() kyber.Point
	// NextRound is the first round whose value is not known yet.
	NextRound() (uint64, error)
	// Randomness returns the output for ref, or ErrNotFinalized while the
	// round is not produced or not confirmed.
	Randomness(ref Reference) (*Randomness, error)
}

// Payments moves funds between participants and the lottery escrow.
type Payments interface {
	Debit(owner string, amount Amount) error
	Credit(owner string, amount Amount) error
}

// TxPayments is a payment ledger kept in the same store as the lottery.
// Its transfers are part of the engine's transaction and need no
// compensation.
type TxPayments interface {
	Payments
	DebitTx(tx Tx, owner string, amount Amount) error
	CreditTx(tx Tx, owner string, amount Amount) error
}

// Minter issues the transferable credential of a ticket.
type Minter interface {
	Mint(lotteryID uint64, owner string, index uint64) ([]byte, error)
	Burn(lotteryID uint64, index uint64) error
	// Check verifies that credential was minted for ticket index of
	// lotteryID and owner.
	Check(lotteryID uint64, index uint64, owner string, credential []byte) error
}

// CommitWindow is how many rounds past the oracle's next round a
// reference may point at.
const CommitWindow = 100000

// Engine runs the lottery state machine on top of a Store.
type Engine struct {
	store    Store
	oracle   Oracle
	payments Payments
	minter   Minter
	clock    Clock
}

// NewEngine wires the collaborators together.
func NewEngine(st Store, oracle Oracle, payments Payments, minter Minter,
	clock Clock) *Engine {
	return &Engine{
		store:    st,
		oracle:   oracle,
		payments: payments,
		minter:   minter,
		clock:    clock,
	}
}

// Oracle returns the randomness source the engine verifies against.
func (e *Engine) Oracle() Oracle {
	return e.oracle
}

// Now is the engine's current slot.
func (e *Engine) Now() Slot {
	return e.clock.Now()
}

func (e *Engine) update(fn func(tx Tx, u *undoLog) error) error {
	u := &undoLog{}
	err := e.store.Update(func(tx Tx) error {
		return fn(tx, u)
	})
	if err != nil {
		u.run()
	}
	return err
}

func (e *Engine) load(tx Tx, lotteryID uint64) (*Lottery, *Config, error) {
	l, err := tx.Lottery(lotteryID)
	if err != nil {
		return nil, nil, err
	}
	cfg, err := tx.Config(l.ConfigID)
	if err != nil {
		return nil, nil, err
	}
	return l, cfg, nil
}

func authenticated(caller identity.Caller) error {
	if caller.IsZero() {
		return ErrUnauthenticated
	}
	return nil
}

// InitConfig stores immutable lottery parameters with caller as their
// authority.
func (e *Engine) InitConfig(caller identity.Caller, p ConfigParams) (uint64, error) {
	if err := authenticated(caller); err != nil {
		return 0, err
	}
	if p.SaleStart >= p.SaleEnd {
		return 0, xerrors.Errorf("sale start %d not before end %d: %w",
			p.SaleStart, p.SaleEnd, ErrInvalidConfig)
	}
	if p.TicketPrice == 0 {
		return 0, xerrors.Errorf("zero ticket price: %w", ErrInvalidConfig)
	}
	var id uint64
	err := e.update(func(tx Tx, _ *undoLog) error {
		var err error
		id, err = tx.NextConfigID()
		if err != nil {
			return err
		}
		return tx.PutConfig(&Config{
			ID:          id,
			SaleStart:   p.SaleStart,
			SaleEnd:     p.SaleEnd,
			TicketPrice: p.TicketPrice,
			Authority:   caller.ID(),
		})
	})
	if err != nil {
		return 0, err
	}
	log.Lvlf1("config %d: sale [%d, %d) at price %d", id, p.SaleStart,
		p.SaleEnd, p.TicketPrice)
	return id, nil
}

// InitLottery creates the lottery run of a configuration.
func (e *Engine) InitLottery(caller identity.Caller, configID uint64) (uint64, error) {
	if err := authenticated(caller); err != nil {
		return 0, err
	}
	var id uint64
	err := e.update(func(tx Tx, _ *undoLog) error {
		cfg, err := tx.Config(configID)
		if err != nil {
			return err
		}
		if cfg.Authority != caller.ID() {
			return ErrUnauthorized
		}
		if _, ok, err := tx.LotteryByConfig(configID); err != nil {
			return err
		} else if ok {
			return ErrLotteryExists
		}
		id, err = tx.NextLotteryID()
		if err != nil {
			return err
		}
		l := &Lottery{ID: id, ConfigID: configID, Phase: PhaseCreated}
		if err := tx.PutLottery(l); err != nil {
			return err
		}
		return tx.PutVault(id, 0)
	})
	if err != nil {
		return 0, err
	}
	log.Lvlf1("lottery %d created for config %d", id, configID)
	return id, nil
}

// BuyTicket issues the next ticket of a lottery to caller.
func (e *Engine) BuyTicket(caller identity.Caller, lotteryID uint64) (*Ticket, error) {
	if err := authenticated(caller); err != nil {
		return nil, err
	}
	var t *Ticket
	err := e.update(func(tx Tx, u *undoLog) error {
		l, cfg, err := e.load(tx, lotteryID)
		if err != nil {
			return err
		}
		now := e.clock.Now()
		if now < cfg.SaleStart || now >= cfg.SaleEnd {
			return ErrSaleClosed
		}
		if _, err := l.advance(cfg, now); err != nil {
			return err
		}
		if l.Phase != PhaseOpen {
			return ErrAlreadyResolved
		}
		t, err = e.issueTicket(tx, u, cfg, l, caller.ID(), now)
		return err
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

// LookupOwner returns the owner of a ticket.
func (e *Engine) LookupOwner(lotteryID, index uint64) (string, error) {
	var owner string
	err := e.store.View(func(tx Tx) error {
		l, err := tx.Lottery(lotteryID)
		if err != nil {
			return err
		}
		owner, err = lookupOwner(tx, l, index)
		return err
	})
	return owner, err
}

// Ticket returns a stored ticket.
func (e *Engine) Ticket(lotteryID, index uint64) (*Ticket, error) {
	var t *Ticket
	err := e.store.View(func(tx Tx) error {
		l, err := tx.Lottery(lotteryID)
		if err != nil {
			return err
		}
		if index >= l.TicketsSold {
			return ErrNoSuchTicket
		}
		t, err = tx.Ticket(lotteryID, index)
		return err
	})
	return t, err
}

// Tickets lists every ticket of a lottery in index order.
func (e *Engine) Tickets(lotteryID uint64) ([]*Ticket, error) {
	var ts []*Ticket
	err := e.store.View(func(tx Tx) error {
		if _, err := tx.Lottery(lotteryID); err != nil {
			return err
		}
		var err error
		ts, err = tx.Tickets(lotteryID)
		return err
	})
	return ts, err
}

// CommitRandomness records the reference of the random value that will
// decide the lottery. Only the authority may commit, once, after the sale.
func (e *Engine) CommitRandomness(caller identity.Caller, lotteryID uint64, ref Reference) error {
	if err := authenticated(caller); err != nil {
		return err
	}
	return e.update(func(tx Tx, _ *undoLog) error {
		l, cfg, err := e.load(tx, lotteryID)
		if err != nil {
			return err
		}
		if cfg.Authority != caller.ID() {
			return ErrUnauthorized
		}
		if l.Committed {
			return ErrAlreadyCommitted
		}
		now := e.clock.Now()
		if now < cfg.SaleEnd {
			return ErrSaleStillOpen
		}
		if _, err := l.advance(cfg, now); err != nil {
			return err
		}
		if l.Phase == PhaseVoid {
			return ErrNoTicketsSold
		}
		if err := e.commit(l, ref, now); err != nil {
			return err
		}
		if err := tx.PutLottery(l); err != nil {
			return err
		}
		log.Lvlf2("lottery %d: committed to round %d at slot %d", l.ID,
			ref.Round, now)
		return nil
	})
}

// Reveal fetches and verifies the committed random value. It returns
// ErrNotFinalized right away if the oracle has not finalized it yet; the
// caller retries later. Once obtained, the value is cached and every later
// call returns it.
func (e *Engine) Reveal(lotteryID uint64) (*uint256.Int, error) {
	var v *uint256.Int
	err := e.update(func(tx Tx, _ *undoLog) error {
		l, err := tx.Lottery(lotteryID)
		if err != nil {
			return err
		}
		cached := len(l.Revealed) == 32
		v, err = e.reveal(l)
		if err != nil || cached {
			return err
		}
		return tx.PutLottery(l)
	})
	if err != nil {
		return nil, err
	}
	return v, nil
}

// ResolveWinner derives the winning ticket from the committed randomness.
func (e *Engine) ResolveWinner(caller identity.Caller, lotteryID uint64) (uint64, error) {
	if err := authenticated(caller); err != nil {
		return 0, err
	}
	var winner uint64
	err := e.update(func(tx Tx, _ *undoLog) error {
		l, cfg, err := e.load(tx, lotteryID)
		if err != nil {
			return err
		}
		if cfg.Authority != caller.ID() {
			return ErrUnauthorized
		}
		if _, err := l.advance(cfg, e.clock.Now()); err != nil {
			return err
		}
		switch l.Phase {
		case PhaseCreated, PhaseOpen:
			return ErrNotClosed
		case PhaseResolved, PhaseClaimed:
			return ErrAlreadyResolved
		case PhaseVoid:
			return ErrNoTicketsSold
		}
		value, err := e.reveal(l)
		if err != nil {
			return err
		}
		winner, err = SelectWinner(l.TicketsSold, value)
		if err != nil {
			return err
		}
		l.WinningIndex = winner
		l.WinnerChosen = true
		if err := l.moveTo(PhaseResolved); err != nil {
			return err
		}
		return tx.PutLottery(l)
	})
	if err != nil {
		return 0, err
	}
	log.Lvlf1("lottery %d: winning ticket is %d", lotteryID, winner)
	return winner, nil
}

// ClaimPrize pays the whole pot to the owner of the winning ticket.
func (e *Engine) ClaimPrize(caller identity.Caller, lotteryID, index uint64) (Amount, error) {
	if err := authenticated(caller); err != nil {
		return 0, err
	}
	var amount Amount
	err := e.update(func(tx Tx, u *undoLog) error {
		l, cfg, err := e.load(tx, lotteryID)
		if err != nil {
			return err
		}
		if _, err := l.advance(cfg, e.clock.Now()); err != nil {
			return err
		}
		if l.Phase == PhaseClaimed {
			return ErrAlreadyClaimed
		}
		if l.Phase != PhaseResolved {
			return ErrVaultLocked
		}
		if index >= l.TicketsSold {
			return ErrNoSuchTicket
		}
		t, err := tx.Ticket(l.ID, index)
		if err != nil {
			return err
		}
		owner := t.Owner
		if index != l.WinningIndex {
			return ErrNotWinner
		}
		if owner != caller.ID() {
			return ErrNotOwner
		}
		err = e.minter.Check(l.ID, index, owner, t.Credential)
		if err != nil {
			return xerrors.Errorf("ticket %d (%v): %w", index, err,
				ErrInvalidCredential)
		}
		amount, err = release(tx, l)
		if err != nil {
			return err
		}
		l.TotalPot = 0
		if err := l.moveTo(PhaseClaimed); err != nil {
			return err
		}
		if err := tx.PutLottery(l); err != nil {
			return err
		}
		return e.credit(tx, u, owner, amount)
	})
	if err != nil {
		return 0, err
	}
	log.Lvlf1("lottery %d: prize of %d claimed with ticket %d", lotteryID,
		amount, index)
	return amount, nil
}

// Advance persists the time-driven transitions that are due and returns
// the resulting phase.
func (e *Engine) Advance(lotteryID uint64) (Phase, error) {
	var p Phase
	err := e.update(func(tx Tx, _ *undoLog) error {
		l, cfg, err := e.load(tx, lotteryID)
		if err != nil {
			return err
		}
		p = l.Phase
		if p.Terminal() {
			return nil
		}
		changed, err := l.advance(cfg, e.clock.Now())
		if err != nil {
			return err
		}
		p = l.Phase
		if !changed {
			return nil
		}
		log.Lvlf2("lottery %d: now %s", l.ID, l.Phase)
		return tx.PutLottery(l)
	})
	return p, err
}

// Status returns a snapshot of a lottery.
func (e *Engine) Status(lotteryID uint64) (*Status, error) {
	st := &Status{}
	err := e.store.View(func(tx Tx) error {
		l, cfg, err := e.load(tx, lotteryID)
		if err != nil {
			return err
		}
		bal, err := tx.Vault(lotteryID)
		if err != nil {
			return err
		}
		st.Now = e.clock.Now()
		st.Config = *cfg
		st.Lottery = *l
		st.Phase = effectivePhase(cfg, l, st.Now)
		st.Vault = bal
		return nil
	})
	if err != nil {
		return nil, err
	}
	return st, nil
}
