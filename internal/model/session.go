package model

import "time"

// Session is one streaming session minted by the control API. It is consumed
// by exactly one stream connection and replaced, never mutated, on renewal.
type Session struct {
	ID        string // trailing path segment of StreamURL
	StreamURL string
	JobID     string
	CreatedAt time.Time
}
