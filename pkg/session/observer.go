// TestObserver interface for deriving signals (metrics, logs) from finished tests.
// Observers receive test metadata after each test span is closed.
package session

import "time"

// TestInfo holds test metadata for signal derivation.
type TestInfo struct {
	ID       TestID
	Signal   Signal
	Status   StatusCode
	Outcome  Outcome
	Start    time.Time
	Duration time.Duration
	Message  string
}

// TestObserver receives test metadata after each test span is emitted.
type TestObserver interface {
	Observe(info TestInfo)
}
