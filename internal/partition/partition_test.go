package partition

import (
	"errors"
	"testing"
	"time"
)

func day(t *testing.T, s string) time.Time {
	t.Helper()
	d, err := Day(s)
	if err != nil {
		t.Fatalf("Day(%q) failed: %v", s, err)
	}
	return d
}

func TestEnumerateCount(t *testing.T) {
	tests := []struct {
		start, end string
		want       int
	}{
		{"2025-01-01", "2025-01-01", 1},
		{"2025-01-01", "2025-01-03", 3},
		{"2025-02-27", "2025-03-02", 4}, // crosses month boundary (non-leap)
		{"2024-02-28", "2024-03-01", 3}, // leap year
		{"2024-12-30", "2025-01-02", 4}, // crosses year boundary
	}

	for _, tt := range tests {
		parts, err := Enumerate(day(t, tt.start), day(t, tt.end), Decisions)
		if err != nil {
			t.Errorf("Enumerate(%s, %s) failed: %v", tt.start, tt.end, err)
			continue
		}
		if len(parts) != tt.want {
			t.Errorf("Enumerate(%s, %s) = %d partitions, want %d",
				tt.start, tt.end, len(parts), tt.want)
		}
	}
}

func TestEnumerateAscending(t *testing.T) {
	parts, err := Enumerate(day(t, "2025-01-01"), day(t, "2025-01-10"), Events)
	if err != nil {
		t.Fatalf("Enumerate failed: %v", err)
	}
	for i := 1; i < len(parts); i++ {
		if !parts[i-1].Date.Before(parts[i].Date) {
			t.Errorf("partitions not strictly ascending at index %d: %s >= %s",
				i, parts[i-1].DateString(), parts[i].DateString())
		}
	}
}

func TestEnumerateInvalidRange(t *testing.T) {
	_, err := Enumerate(day(t, "2025-01-02"), day(t, "2025-01-01"), Decisions)
	if !errors.Is(err, ErrInvalidRange) {
		t.Errorf("expected ErrInvalidRange, got %v", err)
	}
}

func TestEnumerateInvalidType(t *testing.T) {
	_, err := Enumerate(day(t, "2025-01-01"), day(t, "2025-01-02"), DataType("clicks"))
	if !errors.Is(err, ErrInvalidType) {
		t.Errorf("expected ErrInvalidType, got %v", err)
	}
}

func TestPrefix(t *testing.T) {
	p := Partition{Date: day(t, "2025-01-05"), Type: Decisions}
	base := AccountBase("12345")

	got := p.Prefix(base)
	want := "v1/account_id=12345/type=decisions/date=2025-01-05/"
	if got != want {
		t.Errorf("Prefix = %q, want %q", got, want)
	}
}

func TestKeyStable(t *testing.T) {
	p := Partition{Date: day(t, "2025-01-05"), Type: DecisionsRerun}
	if p.Key() != "decisions-rerun/2025-01-05" {
		t.Errorf("Key = %q", p.Key())
	}
}

func TestParseDataType(t *testing.T) {
	for _, valid := range []string{"decisions", "events", "decisions-rerun"} {
		if _, err := ParseDataType(valid); err != nil {
			t.Errorf("ParseDataType(%q) failed: %v", valid, err)
		}
	}
	if _, err := ParseDataType("impressions"); err == nil {
		t.Error("ParseDataType should reject unknown types")
	}
}
