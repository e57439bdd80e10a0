package lottery

import (
	"strings"

	"golang.org/x/xerrors"
)

// Kind classifies errors by how a caller should react to them.
type Kind int

const (
	// KindUnknown is anything that is not a lottery error, e.g. an I/O
	// failure of the store.
	KindUnknown Kind = iota
	// PolicyViolation is a caller error that must not be retried as is.
	PolicyViolation
	// AuthorizationFailure is always fatal to the call.
	AuthorizationFailure
	// ExternalDependencyPending is transient; the caller polls again later.
	ExternalDependencyPending
	// ExternalDependencyFailure is a hard failure of a collaborator.
	ExternalDependencyFailure
	// ConsistencyViolation is a request that does not match current state.
	ConsistencyViolation
)

var kindNames = map[Kind]string{
	KindUnknown:               "Unknown",
	PolicyViolation:           "PolicyViolation",
	AuthorizationFailure:      "AuthorizationFailure",
	ExternalDependencyPending: "ExternalDependencyPending",
	ExternalDependencyFailure: "ExternalDependencyFailure",
	ConsistencyViolation:      "ConsistencyViolation",
}

func (k Kind) String() string {
	return kindNames[k]
}

// Error is a named lottery error. The sentinels below are compared by
// identity, so wrapping them with %w keeps xerrors.Is working.
type Error struct {
	Kind Kind
	Name string
	msg  string
}

func (e *Error) Error() string {
	return e.Name + ": " + e.msg
}

func newError(k Kind, name, msg string) *Error {
	return &Error{Kind: k, Name: name, msg: msg}
}

var (
	ErrSaleClosed       = newError(PolicyViolation, "SaleClosed", "ticket sale is not open at this slot")
	ErrSaleStillOpen    = newError(PolicyViolation, "SaleStillOpen", "ticket sale has not ended yet")
	ErrAlreadyResolved  = newError(PolicyViolation, "AlreadyResolved", "lottery is past its sale phase")
	ErrAlreadyClaimed   = newError(PolicyViolation, "AlreadyClaimed", "prize was already claimed")
	ErrAlreadyCommitted = newError(PolicyViolation, "AlreadyCommitted", "randomness reference already recorded")
	ErrNotClosed        = newError(PolicyViolation, "NotClosed", "lottery is not closed")
	ErrVaultLocked      = newError(PolicyViolation, "VaultLocked", "vault can only be released once resolved")
	ErrInvalidConfig    = newError(PolicyViolation, "InvalidConfig", "sale window or price is invalid")
	ErrLotteryExists    = newError(PolicyViolation, "LotteryExists", "configuration already has a lottery")
	ErrRoundTooFar      = newError(PolicyViolation, "RoundTooFar", "referenced round is too far in the future")

	ErrUnauthorized      = newError(AuthorizationFailure, "Unauthorized", "caller is not the authority")
	ErrNotOwner          = newError(AuthorizationFailure, "NotOwner", "caller does not own the ticket")
	ErrNotWinner         = newError(AuthorizationFailure, "NotWinner", "ticket is not the winning ticket")
	ErrUnauthenticated   = newError(AuthorizationFailure, "Unauthenticated", "caller identity was not verified")
	ErrInvalidCredential = newError(AuthorizationFailure, "InvalidCredential", "ticket credential does not verify")

	ErrNotFinalized = newError(ExternalDependencyPending, "NotFinalized", "randomness is not finalized yet")

	ErrStale           = newError(ExternalDependencyFailure, "Stale", "randomness does not match the commitment")
	ErrAlreadyRevealed = newError(ExternalDependencyFailure, "AlreadyRevealed", "referenced randomness is already known")
	ErrPaymentFailed   = newError(ExternalDependencyFailure, "PaymentFailed", "payment ledger refused the transfer")
	ErrMintFailed      = newError(ExternalDependencyFailure, "MintFailed", "ticket credential could not be minted")

	ErrNoSuchTicket     = newError(ConsistencyViolation, "NoSuchTicket", "ticket index out of range")
	ErrNoTicketsSold    = newError(ConsistencyViolation, "NoTicketsSold", "no tickets were sold")
	ErrNotCommitted     = newError(ConsistencyViolation, "NotCommitted", "no randomness reference recorded")
	ErrNothingToRelease = newError(ConsistencyViolation, "NothingToRelease", "vault balance is zero")
	ErrNoSuchConfig     = newError(ConsistencyViolation, "NoSuchConfig", "unknown configuration")
	ErrNoSuchLottery    = newError(ConsistencyViolation, "NoSuchLottery", "unknown lottery")
	ErrOverflow         = newError(ConsistencyViolation, "Overflow", "amount overflows")
	ErrVersionMismatch  = newError(ConsistencyViolation, "VersionMismatch", "lottery record changed concurrently")
)

var allErrors = []*Error{
	ErrSaleClosed, ErrSaleStillOpen, ErrAlreadyResolved, ErrAlreadyClaimed,
	ErrAlreadyCommitted, ErrNotClosed, ErrVaultLocked, ErrInvalidConfig,
	ErrLotteryExists, ErrRoundTooFar, ErrUnauthorized, ErrNotOwner,
	ErrNotWinner, ErrUnauthenticated, ErrInvalidCredential, ErrNotFinalized,
	ErrStale, ErrAlreadyRevealed,
	ErrPaymentFailed, ErrMintFailed, ErrNoSuchTicket, ErrNoTicketsSold,
	ErrNotCommitted, ErrNothingToRelease, ErrNoSuchConfig, ErrNoSuchLottery,
	ErrOverflow, ErrVersionMismatch,
}

// KindOf returns the kind of the first lottery error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if xerrors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// NameOf returns the name of the first lottery error in err's chain, or
// the empty string.
func NameOf(err error) string {
	var e *Error
	if xerrors.As(err, &e) {
		return e.Name
	}
	return ""
}

// ErrorByName returns the sentinel with the given name. Clients use it to
// turn an error name received over the wire back into a sentinel.
func ErrorByName(name string) *Error {
	for _, e := range allErrors {
		if e.Name == name {
			return e
		}
	}
	return nil
}

// IsRetryable reports whether the operation may succeed later without the
// caller changing anything.
func IsRetryable(err error) bool {
	return KindOf(err) == ExternalDependencyPending
}

// FromString recovers the sentinel named in an error message that crossed
// the wire, or returns nil.
func FromString(msg string) *Error {
	for _, e := range allErrors {
		if strings.Contains(msg, e.Name+": ") {
			return e
		}
	}
	return nil
}
