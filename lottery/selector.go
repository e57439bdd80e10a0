package lottery

import (
	"crypto/sha256"

	"github.com/holiman/uint256"
)

// SelectWinner maps a random value onto a ticket index: value mod
// ticketsSold. The modulo bias for realistic ticket counts against a
// 256-bit value is accepted.
func SelectWinner(ticketsSold uint64, value *uint256.Int) (uint64, error) {
	if ticketsSold == 0 {
		return 0, ErrNoTicketsSold
	}
	if value == nil {
		value = new(uint256.Int)
	}
	n := uint256.NewInt(ticketsSold)
	return new(uint256.Int).Mod(value, n).Uint64(), nil
}

// RandomValue derives the 256-bit value of a beacon output: the sha256 of
// its signature, read big-endian.
func RandomValue(r *Randomness) *uint256.Int {
	h := sha256.Sum256(r.Value)
	return new(uint256.Int).SetBytes32(h[:])
}
