package domain

import "time"

// Tier is a priced ticket category with its own capacity pool. Immutable
// after seeding.
type Tier struct {
	ID       string
	Capacity int
}

// PriceWindow is one entry of a tier's price schedule. A window is active
// while its end date has not passed.
type PriceWindow struct {
	TierID     string
	StartsAt   time.Time
	EndsAt     time.Time
	PriceCents int64
}

// CurrentPrice returns the cheapest price among windows still valid at now.
// Ties between overlapping windows always resolve to the minimum value, not
// the earliest end date; callers depend on getting the cheapest valid price.
func CurrentPrice(windows []PriceWindow, now time.Time) (int64, error) {
	var best int64
	found := false
	for _, w := range windows {
		if w.EndsAt.Before(now) {
			continue
		}
		if !found || w.PriceCents < best {
			best = w.PriceCents
			found = true
		}
	}
	if !found {
		return 0, ErrNoActivePriceWindow
	}
	return best, nil
}

// Remaining computes available inventory for a tier. Confirmed attendees and
// active holds both consume capacity; the result is clamped at zero so a
// late-arriving count can never report negative availability.
func Remaining(capacity, confirmed, activeHolds int) int {
	r := capacity - confirmed - activeHolds
	if r < 0 {
		return 0
	}
	return r
}

// TierSnapshot is the caller-facing view of a tier at read time.
type TierSnapshot struct {
	TierID     string
	Remaining  int
	PriceCents int64
}
