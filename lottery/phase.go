package lottery

import (
	"golang.org/x/xerrors"
)

// Phase is the position of a lottery in its lifecycle.
type Phase int

const (
	PhaseCreated Phase = iota
	PhaseOpen
	PhaseClosed
	PhaseResolved
	PhaseClaimed
	// PhaseVoid is terminal: the sale closed without any ticket.
	PhaseVoid
)

var phaseNames = []string{"Created", "Open", "Closed", "Resolved", "Claimed", "Void"}

func (p Phase) String() string {
	if p < 0 || int(p) >= len(phaseNames) {
		return "Unknown"
	}
	return phaseNames[p]
}

// ParsePhase is the inverse of String.
func ParsePhase(s string) (Phase, error) {
	for i, n := range phaseNames {
		if n == s {
			return Phase(i), nil
		}
	}
	return 0, xerrors.Errorf("unknown phase %q", s)
}

// Terminal reports whether no transition leaves p.
func (p Phase) Terminal() bool {
	return p == PhaseClaimed || p == PhaseVoid
}

type transition struct {
	From Phase
	To   Phase
}

var transitions = map[string]*transition{
	"open":    {From: PhaseCreated, To: PhaseOpen},
	"close":   {From: PhaseOpen, To: PhaseClosed},
	"resolve": {From: PhaseClosed, To: PhaseResolved},
	"void":    {From: PhaseClosed, To: PhaseVoid},
	"claim":   {From: PhaseResolved, To: PhaseClaimed},
}

func allowed(from, to Phase) bool {
	for _, t := range transitions {
		if t.From == from && t.To == to {
			return true
		}
	}
	return false
}

// moveTo applies a single transition. Anything outside the transition
// table is a bug in the caller, not a user error.
func (l *Lottery) moveTo(to Phase) error {
	if !allowed(l.Phase, to) {
		return xerrors.Errorf("illegal transition %s -> %s on lottery %d",
			l.Phase, to, l.ID)
	}
	l.Phase = to
	return nil
}

// advance applies every time-driven transition that is due at now and
// reports whether the phase changed.
func (l *Lottery) advance(cfg *Config, now Slot) (bool, error) {
	start := l.Phase
	if l.Phase == PhaseCreated && now >= cfg.SaleStart {
		if err := l.moveTo(PhaseOpen); err != nil {
			return false, err
		}
	}
	if l.Phase == PhaseOpen && now >= cfg.SaleEnd {
		if err := l.moveTo(PhaseClosed); err != nil {
			return false, err
		}
	}
	if l.Phase == PhaseClosed && l.TicketsSold == 0 {
		if err := l.moveTo(PhaseVoid); err != nil {
			return false, err
		}
	}
	return l.Phase != start, nil
}

// effectivePhase is the phase l would be in at now, without touching l.
func effectivePhase(cfg *Config, l *Lottery, now Slot) Phase {
	cp := *l
	_, err := cp.advance(cfg, now)
	if err != nil {
		return l.Phase
	}
	return cp.Phase
}
