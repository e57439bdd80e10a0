package bank

import (
	"github.com/dedis/ledgerlot/lottery"
	"go.dedis.ch/onet/v3/log"
	"golang.org/x/xerrors"
)

// Ledger keeps the accounts in the lottery store. Ticket payments and
// prize payouts are written in the engine's transaction, so balances and
// tickets commit together and survive a restart. It implements
// lottery.TxPayments.
type Ledger struct {
	store lottery.Store
}

// NewLedger uses the accounts of st.
func NewLedger(st lottery.Store) *Ledger {
	return &Ledger{store: st}
}

// Open creates the account of owner with amount. It does nothing and
// returns false if the account already exists.
func (l *Ledger) Open(owner string, amount lottery.Amount) (bool, error) {
	var created bool
	err := l.store.Update(func(tx lottery.Tx) error {
		_, ok, err := tx.Balance(owner)
		if err != nil || ok {
			return err
		}
		created = true
		return tx.PutBalance(owner, amount)
	})
	return created, err
}

// Deposit adds amount to owner's account, opening it if needed.
func (l *Ledger) Deposit(owner string, amount lottery.Amount) error {
	return l.store.Update(func(tx lottery.Tx) error {
		return l.CreditTx(tx, owner, amount)
	})
}

func (l *Ledger) Credit(owner string, amount lottery.Amount) error {
	return l.Deposit(owner, amount)
}

func (l *Ledger) Debit(owner string, amount lottery.Amount) error {
	return l.store.Update(func(tx lottery.Tx) error {
		return l.DebitTx(tx, owner, amount)
	})
}

// Balance returns the balance of owner.
func (l *Ledger) Balance(owner string) (lottery.Amount, error) {
	var bal lottery.Amount
	err := l.store.View(func(tx lottery.Tx) error {
		var ok bool
		var err error
		bal, ok, err = tx.Balance(owner)
		if err == nil && !ok {
			err = ErrUnknownAccount
		}
		return err
	})
	return bal, err
}

func (l *Ledger) CreditTx(tx lottery.Tx, owner string, amount lottery.Amount) error {
	bal, _, err := tx.Balance(owner)
	if err != nil {
		return err
	}
	if bal+amount < bal {
		return xerrors.Errorf("balance of %s: %w", short(owner), lottery.ErrOverflow)
	}
	log.Lvlf3("ledger: %s +%d", short(owner), amount)
	return tx.PutBalance(owner, bal+amount)
}

func (l *Ledger) DebitTx(tx lottery.Tx, owner string, amount lottery.Amount) error {
	bal, ok, err := tx.Balance(owner)
	if err != nil {
		return err
	}
	if !ok {
		return ErrUnknownAccount
	}
	if bal < amount {
		return xerrors.Errorf("balance %d below %d: %w", bal, amount,
			ErrInsufficientFunds)
	}
	log.Lvlf3("ledger: %s -%d", short(owner), amount)
	return tx.PutBalance(owner, bal-amount)
}
