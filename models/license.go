package models

import "time"

type State string

const (
	StateDraft     State = "draft"
	StateActive    State = "active"
	StateExpired   State = "expired"
	StateSuspended State = "suspended"
	StateCanceled  State = "canceled"
)

// NewLicenseNumber is the placeholder number of a license that has not been
// assigned one from the sequence yet.
const NewLicenseNumber = "New"

const (
	DefaultDurationMonths = 12
	DaysPerMonth          = 30
	ExpiringSoonDays      = 7
	// MaxDurationMonths bounds a license term or a renewal to 100 years.
	MaxDurationMonths = 1200
	// MaxYear is the last year DateLayout can represent.
	MaxYear = 9999
)

// DateLayout is the wire and storage format of calendar dates.
const DateLayout = "2006-01-02"

func (s State) Valid() bool {
	switch s {
	case StateDraft, StateActive, StateExpired, StateSuspended, StateCanceled:
		return true
	}
	return false
}

type License struct {
	ID             string
	Number         string
	Key            string
	ProductID      string
	CustomerID     string
	StartDate      time.Time
	DurationMonths int
	ExpirationDate *time.Time
	State          State
	DateRenewed    *time.Time
	Notes          string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Date truncates t to a calendar day in UTC.
func Date(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ParseDate parses a YYYY-MM-DD string.
func ParseDate(s string) (time.Time, error) {
	return time.ParseInLocation(DateLayout, s, time.UTC)
}

// ExpirationFor returns start plus months of 30 days each. A zero duration
// means the license has no expiration.
func ExpirationFor(start time.Time, months int) *time.Time {
	if start.IsZero() || months == 0 {
		return nil
	}
	exp := Date(start).AddDate(0, 0, months*DaysPerMonth)
	return &exp
}

// RecomputeExpiration refreshes ExpirationDate from StartDate and
// DurationMonths. Renewed licenses are left untouched, whatever their
// stored expiration is.
func (l *License) RecomputeExpiration() {
	if l.DateRenewed != nil {
		return
	}
	l.ExpirationDate = ExpirationFor(l.StartDate, l.DurationMonths)
}

// DateInRange reports whether t can be written in DateLayout and read back.
func DateInRange(t time.Time) bool {
	year := t.Year()
	return year >= 1 && year <= MaxYear
}

// DurationInRange reports whether months is an acceptable term length. Zero
// is allowed and means no expiration.
func DurationInRange(months int) bool {
	return months >= -MaxDurationMonths && months <= MaxDurationMonths
}

// DatesValid reports whether the expiration, when set, is strictly after the
// start date.
func (l *License) DatesValid() bool {
	if l.ExpirationDate == nil || l.StartDate.IsZero() {
		return true
	}
	return Date(*l.ExpirationDate).After(Date(l.StartDate))
}

// DaysUntilExpiration is zero for licenses without an expiration date.
func (l *License) DaysUntilExpiration(today time.Time) int {
	if l.ExpirationDate == nil {
		return 0
	}
	return daysBetween(Date(today), Date(*l.ExpirationDate))
}

// daysBetween counts calendar days from a to b, both UTC midnights.
func daysBetween(a, b time.Time) int {
	const secondsPerDay = 24 * 60 * 60
	return int((b.Unix() - a.Unix()) / secondsPerDay)
}

func (l *License) IsExpiringSoon(today time.Time) bool {
	if l.State != StateActive {
		return false
	}
	days := l.DaysUntilExpiration(today)
	return days >= 0 && days <= ExpiringSoonDays
}

// RenewedExpiration is the expiration after renewing for months: the day
// after the current expiration plus months of 30 days.
func (l *License) RenewedExpiration(months int) *time.Time {
	if l.ExpirationDate == nil {
		return nil
	}
	exp := Date(*l.ExpirationDate).AddDate(0, 0, 1+months*DaysPerMonth)
	return &exp
}
