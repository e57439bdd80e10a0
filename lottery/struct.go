package lottery

import (
	"go.dedis.ch/kyber/v3"
)

// Slot is the unit of lottery time. Sale windows, commit times and ticket
// issuance are all expressed in slots.
type Slot uint64

// Amount is a quantity of the payment ledger's currency.
type Amount uint64

// Clock tells the engine the current slot.
type Clock interface {
	Now() Slot
}

// ConfigParams are the parameters a party supplies to InitConfig.
type ConfigParams struct {
	SaleStart   Slot
	SaleEnd     Slot
	TicketPrice Amount
}

// Config is immutable once stored.
type Config struct {
	ID          uint64
	SaleStart   Slot
	SaleEnd     Slot
	TicketPrice Amount
	// Authority is the identity allowed to create the lottery, commit the
	// randomness and resolve the winner.
	Authority string
}

// Reference points at a random value that does not exist yet: a round of
// a given beacon.
type Reference struct {
	// Beacon is the hash of the beacon's group public key.
	Beacon []byte
	Round  uint64
}

// Lottery is the versioned record of one lottery run.
type Lottery struct {
	ID       uint64
	ConfigID uint64
	// Version is bumped by the store on every successful write.
	Version uint64

	TicketsSold uint64
	TotalPot    Amount
	Phase       Phase

	Committed  bool
	Reference  Reference
	CommitSlot Slot
	// Revealed caches the 32-byte random value once the reference was
	// finalized and verified.
	Revealed []byte

	WinnerChosen bool
	WinningIndex uint64
}

// Ticket is one entry in a lottery.
type Ticket struct {
	Lottery    uint64
	Index      uint64
	Owner      string
	Credential []byte
	IssuedAt   Slot
}

// Randomness is a finalized beacon output.
type Randomness struct {
	Public kyber.Point
	Round  uint64
	Prev   []byte
	// Value is the collective signature on Prev. Use the hash of it!
	Value []byte
}

// Status is a read-only view of a lottery.
type Status struct {
	Config  Config
	Lottery Lottery
	// Phase is the phase the lottery is in at the current slot, which may
	// be ahead of the stored phase until the next write.
	Phase Phase
	Vault Amount
	Now   Slot
}
