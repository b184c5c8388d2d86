package domain

import "time"

// RateAction identifies the kind of attempt being rate limited.
type RateAction string

const (
	ActionScan  RateAction = "scan"
	ActionIssue RateAction = "issue"
	ActionAPI   RateAction = "api"
)

// RateWindow is the fixed-window counter for one identifier and action.
type RateWindow struct {
	Identifier   string
	Action       RateAction
	WindowStart  time.Time
	AttemptCount int
	BlockedUntil *time.Time
}

// BlockedAt reports whether the window blocks attempts at now.
func (w *RateWindow) BlockedAt(now time.Time) bool {
	return w.BlockedUntil != nil && now.Before(*w.BlockedUntil)
}
