package lottery

import "time"

// TimeSource reads the wall clock.
type TimeSource interface {
	Now() time.Time
}

// WallClock counts slots of fixed duration since an epoch.
type WallClock struct {
	Epoch        time.Time
	SlotDuration time.Duration
	// Time defaults to time.Now.
	Time TimeSource
}

func (c WallClock) Now() Slot {
	now := time.Now()
	if c.Time != nil {
		now = c.Time.Now()
	}
	d := now.Sub(c.Epoch)
	if d < 0 || c.SlotDuration <= 0 {
		return 0
	}
	return Slot(d / c.SlotDuration)
}
