package storage

import (
	"testing"
	"time"
)

func TestNormalizeKey(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"   ", ""},
		{"VISA", "visa"},
		{"  Visa  ", "visa"},
		{"Pay\t Pal", "pay pal"},
		{"Alice@Example.COM", "alice@example.com"},
		{"978-0-13-X", "978-0-13-x"},
		{"STRASSE", "strasse"},
	}
	for _, tc := range tests {
		if got := NormalizeKey(tc.in); got != tc.want {
			t.Fatalf("NormalizeKey(%q)=%q want %q", tc.in, got, tc.want)
		}
	}
}

func TestCalendarDays(t *testing.T) {
	t.Parallel()

	from := time.Date(2024, 2, 28, 13, 0, 0, 0, time.UTC)
	to := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	days := CalendarDays(from, to)
	if len(days) != 3 {
		t.Fatalf("len=%d want 3", len(days))
	}
	if days[1].DateKey != 20240229 {
		t.Fatalf("leap day key=%d", days[1].DateKey)
	}
	// 2024-03-01 is a Friday.
	if days[2].DayOfWeek != 5 || days[2].Quarter != 1 {
		t.Fatalf("got dow=%d quarter=%d", days[2].DayOfWeek, days[2].Quarter)
	}

	if got := CalendarDays(to, from); got != nil {
		t.Fatalf("inverted range: got %d days, want nil", len(got))
	}
}

func TestDateKey(t *testing.T) {
	t.Parallel()

	if got := DateKey(time.Date(2023, 12, 5, 23, 59, 0, 0, time.UTC)); got != 20231205 {
		t.Fatalf("got=%d want 20231205", got)
	}
}
