// Package datekey converts instants to and from calendar day keys (yyyyMMdd) used to index orders.
package datekey

import (
	"fmt"
	"time"

	ordererrors "github.com/abgdnv/farmorders/internal/errors"
)

// Layout is the Go reference layout for a date key.
const Layout = "20060102"

// Codec formats date keys in a fixed time zone.
type Codec struct {
	loc *time.Location
}

// NewCodec creates a Codec for the given location. A nil location means time.Local.
func NewCodec(loc *time.Location) Codec {
	if loc == nil {
		loc = time.Local
	}
	return Codec{loc: loc}
}

// Location returns the zone the codec formats in.
func (c Codec) Location() *time.Location {
	if c.loc == nil {
		return time.Local
	}
	return c.loc
}

// Key formats t as a zero-padded yyyyMMdd key in the codec's zone.
func (c Codec) Key(t time.Time) string {
	return t.In(c.Location()).Format(Layout)
}

// Parse returns the start of the calendar day identified by key.
func (c Codec) Parse(key string) (time.Time, error) {
	if len(key) != len(Layout) {
		return time.Time{}, fmt.Errorf("%w: %q", ordererrors.ErrInvalidDateKey, key)
	}
	t, err := time.ParseInLocation(Layout, key, c.Location())
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q", ordererrors.ErrInvalidDateKey, key)
	}
	return t, nil
}

// StartOfDay truncates t to midnight of its calendar day in the codec's zone.
func (c Codec) StartOfDay(t time.Time) time.Time {
	t = t.In(c.Location())
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, c.Location())
}

// SameDay reports whether a and b fall on the same calendar day.
func (c Codec) SameDay(a, b time.Time) bool {
	return c.Key(a) == c.Key(b)
}
