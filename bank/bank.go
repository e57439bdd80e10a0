// Package bank is the payment ledger the lottery draws ticket payments
// from and pays prizes into.
package bank

import (
	"sort"
	"sync"

	"github.com/dedis/ledgerlot/lottery"
	"go.dedis.ch/onet/v3/log"
	"golang.org/x/xerrors"
)

var (
	// ErrUnknownAccount is returned when debiting an account that was
	// never funded.
	ErrUnknownAccount = xerrors.New("unknown account")
	// ErrInsufficientFunds is returned when a debit exceeds the balance.
	ErrInsufficientFunds = xerrors.New("insufficient funds")
)

// Bank implements lottery.Payments.
type Bank struct {
	sync.Mutex
	accounts map[string]lottery.Amount
}

// New returns an empty bank.
func New() *Bank {
	return &Bank{accounts: make(map[string]lottery.Amount)}
}

// Deposit adds amount to owner's account, opening it if needed.
func (b *Bank) Deposit(owner string, amount lottery.Amount) error {
	b.Lock()
	defer b.Unlock()
	return b.credit(owner, amount)
}

// Credit is Deposit under the lottery.Payments name.
func (b *Bank) Credit(owner string, amount lottery.Amount) error {
	return b.Deposit(owner, amount)
}

func (b *Bank) credit(owner string, amount lottery.Amount) error {
	bal := b.accounts[owner]
	if bal+amount < bal {
		return xerrors.Errorf("balance of %s: %w", short(owner), lottery.ErrOverflow)
	}
	b.accounts[owner] = bal + amount
	log.Lvlf3("bank: %s +%d", short(owner), amount)
	return nil
}

// Debit takes amount from owner's account.
func (b *Bank) Debit(owner string, amount lottery.Amount) error {
	b.Lock()
	defer b.Unlock()
	bal, ok := b.accounts[owner]
	if !ok {
		return ErrUnknownAccount
	}
	if bal < amount {
		return xerrors.Errorf("balance %d below %d: %w", bal, amount,
			ErrInsufficientFunds)
	}
	b.accounts[owner] = bal - amount
	log.Lvlf3("bank: %s -%d", short(owner), amount)
	return nil
}

// Balance returns the balance of owner.
func (b *Bank) Balance(owner string) (lottery.Amount, error) {
	b.Lock()
	defer b.Unlock()
	bal, ok := b.accounts[owner]
	if !ok {
		return 0, ErrUnknownAccount
	}
	return bal, nil
}

// Accounts lists the known account owners.
func (b *Bank) Accounts() []string {
	b.Lock()
	defer b.Unlock()
	owners := make([]string, 0, len(b.accounts))
	for o := range b.accounts {
		owners = append(owners, o)
	}
	sort.Strings(owners)
	return owners
}

func short(owner string) string {
	if len(owner) > 8 {
		return owner[:8]
	}
	return owner
}
