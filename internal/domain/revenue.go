package domain

import (
	"errors"
	"time"
)

// ErrInvalidWindow is returned for a week window whose start is after its end.
var ErrInvalidWindow = errors.New("week window start must not be after its end")

// WeekWindow is the closed UTC interval a ledger covers.
type WeekWindow struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// WeekWindowFor returns the week containing t, starting at midnight UTC on
// weekStart and ending one millisecond before the following week starts.
func WeekWindowFor(t time.Time, weekStart time.Weekday) WeekWindow {
	u := t.UTC()
	day := time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
	offset := (int(day.Weekday()) - int(weekStart) + 7) % 7
	start := day.AddDate(0, 0, -offset)
	return WeekWindow{
		Start: start,
		End:   start.AddDate(0, 0, 7).Add(-time.Millisecond),
	}
}

// Validate checks the window ordering.
func (w WeekWindow) Validate() error {
	if w.Start.IsZero() || w.End.IsZero() || w.Start.After(w.End) {
		return ErrInvalidWindow
	}
	return nil
}

// Contains reports whether t falls inside the window, bounds included.
func (w WeekWindow) Contains(t time.Time) bool {
	return !t.Before(w.Start) && !t.After(w.End)
}

// Previous returns the week immediately before w.
func (w WeekWindow) Previous() WeekWindow {
	return WeekWindowFor(w.Start.AddDate(0, 0, -7), w.Start.Weekday())
}

// RevenueSource identifies where a revenue line came from.
type RevenueSource string

const (
	RevenueSourceOrder   RevenueSource = "order"
	RevenueSourceBooking RevenueSource = "booking"
)

// RevenueLine is one completed service line attributed to a professional.
// Amounts are in minor currency units.
type RevenueLine struct {
	OrderID     string        `json:"order_id"`
	OrderRef    string        `json:"order_ref,omitempty"`
	Source      RevenueSource `json:"source"`
	ServiceID   string        `json:"service_id"`
	ServiceName string        `json:"service_name"`
	UnitPrice   int64         `json:"unit_price"`
	Quantity    int           `json:"quantity"`
	Amount      int64         `json:"amount"`
	CompletedAt time.Time     `json:"completed_at"`
	ClientName  string        `json:"client_name,omitempty"`
	ClientPhone string        `json:"client_phone,omitempty"`
}

// SumRevenue totals the amount of every line.
func SumRevenue(lines []RevenueLine) int64 {
	var total int64
	for _, line := range lines {
		total += line.Amount
	}
	return total
}
