// Package window decides whether an order for a pickup date may still be created, edited or cancelled.
package window

import (
	"time"

	"github.com/abgdnv/farmorders/internal/datekey"
)

const defaultHorizon = 4

// Config is fixed per deployment.
type Config struct {
	PickupDay      time.Weekday
	DeadlineDay    time.Weekday
	DeadlineHour   int
	DeadlineMinute int
	// Horizon is the number of upcoming pickup dates offered to buyers.
	Horizon int
}

// PickupDate is one offerable pickup day.
type PickupDate struct {
	Date      time.Time `json:"date"`
	DateKey   string    `json:"date_key"`
	Deadline  time.Time `json:"deadline"`
	Orderable bool      `json:"orderable"`
}

// Policy applies the day-of-week deadline rule: orders close at the most recent
// DeadlineDay DeadlineHour:DeadlineMinute that is not after the pickup instant.
type Policy struct {
	codec datekey.Codec
	cfg   Config
}

// NewPolicy creates a Policy evaluating dates in the codec's zone.
func NewPolicy(codec datekey.Codec, cfg Config) *Policy {
	if cfg.Horizon <= 0 {
		cfg.Horizon = defaultHorizon
	}
	return &Policy{codec: codec, cfg: cfg}
}

// Codec returns the date key codec the policy uses.
func (p *Policy) Codec() datekey.Codec {
	return p.codec
}

// Deadline returns the instant after which an order for pickup can no longer change.
func (p *Policy) Deadline(pickup time.Time) time.Time {
	loc := p.codec.Location()
	pickup = pickup.In(loc)
	y, m, d := pickup.Date()
	back := (int(pickup.Weekday()) - int(p.cfg.DeadlineDay) + 7) % 7
	deadline := time.Date(y, m, d-back, p.cfg.DeadlineHour, p.cfg.DeadlineMinute, 0, 0, loc)
	if deadline.After(pickup) {
		deadline = time.Date(y, m, d-back-7, p.cfg.DeadlineHour, p.cfg.DeadlineMinute, 0, 0, loc)
	}
	return deadline
}

// CanEdit reports whether now is strictly before the deadline for pickup.
func (p *Policy) CanEdit(pickup, now time.Time) bool {
	return now.Before(p.Deadline(pickup))
}

// PickupDates returns the next n pickup days on or after the calendar day of now.
func (p *Policy) PickupDates(now time.Time, n int) []PickupDate {
	if n <= 0 {
		return nil
	}
	loc := p.codec.Location()
	today := p.codec.StartOfDay(now)
	y, m, d := today.Date()
	ahead := (int(p.cfg.PickupDay) - int(today.Weekday()) + 7) % 7

	dates := make([]PickupDate, 0, n)
	for i := 0; i < n; i++ {
		date := time.Date(y, m, d+ahead+7*i, 0, 0, 0, 0, loc)
		deadline := p.Deadline(date)
		dates = append(dates, PickupDate{
			Date:      date,
			DateKey:   p.codec.Key(date),
			Deadline:  deadline,
			Orderable: now.Before(deadline),
		})
	}
	return dates
}

// OfferedPickupDates returns PickupDates for the configured horizon.
func (p *Policy) OfferedPickupDates(now time.Time) []PickupDate {
	return p.PickupDates(now, p.cfg.Horizon)
}

// IsPickupDateStillOfferable reports whether candidate is among the offered pickup dates
// and still orderable at now. A selection made from an older list fails this check once
// its deadline has passed.
func (p *Policy) IsPickupDateStillOfferable(candidate, now time.Time) bool {
	key := p.codec.Key(candidate)
	for _, pd := range p.OfferedPickupDates(now) {
		if pd.DateKey == key {
			return pd.Orderable
		}
	}
	return false
}
