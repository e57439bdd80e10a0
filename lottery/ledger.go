package lottery

import (
	"go.dedis.ch/onet/v3/log"
	"golang.org/x/xerrors"
)

// issueTicket takes the payment, mints the credential and records ticket
// number l.TicketsSold for owner. Collaborator effects are registered in u
// so that they are undone if the surrounding transaction does not commit.
func (e *Engine) issueTicket(tx Tx, u *undoLog, cfg *Config, l *Lottery,
	owner string, now Slot) (*Ticket, error) {
	pot, ok := addAmount(l.TotalPot, cfg.TicketPrice)
	if !ok {
		return nil, ErrOverflow
	}
	index := l.TicketsSold

	if err := e.debit(tx, u, owner, cfg.TicketPrice); err != nil {
		return nil, err
	}

	cred, err := e.minter.Mint(l.ID, owner, index)
	if err != nil {
		return nil, xerrors.Errorf("couldn't mint ticket %d (%v): %w", index,
			err, ErrMintFailed)
	}
	u.push("burn ticket credential", func() error {
		return e.minter.Burn(l.ID, index)
	})

	t := &Ticket{
		Lottery:    l.ID,
		Index:      index,
		Owner:      owner,
		Credential: cred,
		IssuedAt:   now,
	}
	if err := tx.PutTicket(t); err != nil {
		return nil, err
	}
	if err := escrow(tx, l.ID, cfg.TicketPrice); err != nil {
		return nil, err
	}
	l.TicketsSold++
	l.TotalPot = pot
	if err := tx.PutLottery(l); err != nil {
		return nil, err
	}
	log.Lvlf2("lottery %d: ticket %d issued at slot %d", l.ID, index, now)
	return t, nil
}

// lookupOwner returns the owner of ticket index of l.
func lookupOwner(tx Tx, l *Lottery, index uint64) (string, error) {
	if index >= l.TicketsSold {
		return "", ErrNoSuchTicket
	}
	t, err := tx.Ticket(l.ID, index)
	if err != nil {
		return "", err
	}
	return t.Owner, nil
}

// debit charges owner. A ledger outside the store is credited back if the
// transaction fails.
func (e *Engine) debit(tx Tx, u *undoLog, owner string, amount Amount) error {
	var err error
	if p, ok := e.payments.(TxPayments); ok {
		err = p.DebitTx(tx, owner, amount)
	} else {
		err = e.payments.Debit(owner, amount)
		if err == nil {
			u.push("refund ticket payment", func() error {
				return e.payments.Credit(owner, amount)
			})
		}
	}
	if err != nil {
		return xerrors.Errorf("couldn't debit %d from buyer (%v): %w",
			amount, err, ErrPaymentFailed)
	}
	return nil
}

// credit pays owner, the counterpart of debit.
func (e *Engine) credit(tx Tx, u *undoLog, owner string, amount Amount) error {
	var err error
	if p, ok := e.payments.(TxPayments); ok {
		err = p.CreditTx(tx, owner, amount)
	} else {
		err = e.payments.Credit(owner, amount)
		if err == nil {
			u.push("take back prize payment", func() error {
				return e.payments.Debit(owner, amount)
			})
		}
	}
	if err != nil {
		return xerrors.Errorf("couldn't credit %d to winner (%v): %w",
			amount, err, ErrPaymentFailed)
	}
	return nil
}

type undoStep struct {
	what string
	fn   func() error
}

// undoLog collects compensations for effects outside the store.
type undoLog struct {
	steps []undoStep
}

func (u *undoLog) push(what string, fn func() error) {
	u.steps = append(u.steps, undoStep{what, fn})
}

func (u *undoLog) run() {
	for i := len(u.steps) - 1; i >= 0; i-- {
		if err := u.steps[i].fn(); err != nil {
			log.Errorf("couldn't %s: %v", u.steps[i].what, err)
		}
	}
	u.steps = nil
}
