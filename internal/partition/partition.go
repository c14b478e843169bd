// Package partition models the per-date export partitions and enumerates
// them over a calendar range.
package partition

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidRange is returned when the start date is after the end date.
	ErrInvalidRange = errors.New("start date is after end date")

	// ErrInvalidType is returned for an unrecognized data type.
	ErrInvalidType = errors.New("unknown data type")
)

// DataType identifies which export stream a partition belongs to.
type DataType string

const (
	Decisions      DataType = "decisions"
	Events         DataType = "events"
	DecisionsRerun DataType = "decisions-rerun"
)

// ParseDataType validates a user-supplied type string.
func ParseDataType(s string) (DataType, error) {
	switch DataType(s) {
	case Decisions, Events, DecisionsRerun:
		return DataType(s), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidType, s)
	}
}

// DateLayout is the partition date format used in object keys.
const DateLayout = "2006-01-02"

// Partition is one calendar date of remote data for a given type.
type Partition struct {
	Date time.Time // UTC midnight
	Type DataType
}

// DateString returns the partition date as YYYY-MM-DD.
func (p Partition) DateString() string {
	return p.Date.Format(DateLayout)
}

// Key returns the stable identifier used for checkpointing and logging.
func (p Partition) Key() string {
	return string(p.Type) + "/" + p.DateString()
}

// RelDir returns the partition's directory path relative to the account
// base, both remotely and in the local mirror.
func (p Partition) RelDir() string {
	return fmt.Sprintf("type=%s/date=%s", p.Type, p.DateString())
}

// Prefix returns the full object-key prefix for this partition under the
// given account base (e.g. "v1/account_id=123/").
func (p Partition) Prefix(base string) string {
	return base + p.RelDir() + "/"
}

// AccountBase builds the standard account base prefix for the export bucket.
func AccountBase(accountID string) string {
	return fmt.Sprintf("v1/account_id=%s/", accountID)
}

// Day parses a YYYY-MM-DD string into a UTC midnight time.
func Day(s string) (time.Time, error) {
	t, err := time.ParseInLocation(DateLayout, s, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse date %q: %w", s, err)
	}
	return t, nil
}

// Enumerate produces one Partition per calendar date in [start, end],
// ascending. Both bounds are inclusive.
func Enumerate(start, end time.Time, typ DataType) ([]Partition, error) {
	if _, err := ParseDataType(string(typ)); err != nil {
		return nil, err
	}
	start = midnightUTC(start)
	end = midnightUTC(end)
	if start.After(end) {
		return nil, fmt.Errorf("%w: %s > %s", ErrInvalidRange,
			start.Format(DateLayout), end.Format(DateLayout))
	}

	var out []Partition
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		out = append(out, Partition{Date: d, Type: typ})
	}
	return out, nil
}

func midnightUTC(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
