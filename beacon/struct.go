package beacon

import (
	"time"

	"go.dedis.ch/kyber/v3"
)

const genesisMsg = "genesis_msg"

// Config describes the share holders and the schedule of a beacon.
type Config struct {
	// Nodes is the number of share holders.
	Nodes int
	// Threshold is the number of partial signatures needed for a round.
	// Zero means n - (n-1)/3.
	Threshold int
	// Interval is the time between two rounds.
	Interval time.Duration
	// Confirmations is how many rounds must follow a round before its
	// output is final.
	Confirmations uint64
	// Genesis is when round 0 is produced.
	Genesis time.Time
	// Secret fixes the group key, so that a restarted beacon
	// reproduces the same chain. Nil draws a random one.
	Secret kyber.Scalar
}

// Chain persists the rounds of a beacon, keyed by beacon id.
type Chain interface {
	// Rounds returns the stored signatures, round 0 first.
	Rounds(beacon []byte) ([][]byte, error)
	// AppendRound stores the signature of the next round.
	AppendRound(beacon []byte, round uint64, sig []byte) error
}

// Clock is the wall clock the beacon schedules rounds on.
type Clock interface {
	Now() time.Time
}

// SystemClock reads time.Now.
type SystemClock struct{}

func (SystemClock) Now() time.Time {
	return time.Now()
}

// Info is a summary of the beacon, as shown by the gateway.
type Info struct {
	ID            []byte
	Public        kyber.Point
	Nodes         int
	Threshold     int
	NextRound     uint64
	Confirmations uint64
}
