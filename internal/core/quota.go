package core

import "time"

// QuotaSession tracks usage for one caller within a UTC calendar day.
type QuotaSession struct {
	CallerID    string    `json:"caller_id"`
	Used        int       `json:"used"`
	WindowStart time.Time `json:"window_start"`
}

// QuotaStatus is a point-in-time view of a quota ledger.
type QuotaStatus struct {
	Scope     string    `json:"scope"`
	Used      int       `json:"used"`
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	ResetsAt  time.Time `json:"resets_at"`
}

// UTCDay truncates t to midnight of its UTC calendar day.
func UTCDay(t time.Time) time.Time {
	year, month, day := t.UTC().Date()
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

// SameUTCDay reports whether a and b fall on the same UTC calendar day.
func SameUTCDay(a, b time.Time) bool {
	return UTCDay(a).Equal(UTCDay(b))
}
