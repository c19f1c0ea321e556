package auth

import "time"

// Recorder receives outcome counts and hash timings. metrics.Auth implements it.
type Recorder interface {
	Outcome(op, result string)
	HashDuration(op string, d time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) Outcome(string, string)              {}
func (nopRecorder) HashDuration(string, time.Duration) {}

// Outcome labels.
const (
	ResultOK           = "ok"
	ResultInvalid      = "invalid"
	ResultDuplicate    = "duplicate"
	ResultDenied       = "denied"
	ResultCreated      = "created"
	ResultRaceResolved = "race_resolved"
	ResultError        = "error"
)
