// Package reclock implements the process-wide recording lock that gates
// SetParameter commands touching sample rate, channel count, or driver
// selection while a recording is in progress (§4.10).
package reclock

import (
	"errors"
	"sync"
)

// ErrLocked is returned by TryLock when a different recording holds the
// lock, and by CheckField for a gated field while any recording holds it.
var ErrLocked = errors.New("eegd: configuration locked by active recording")

// Fields names the SetParameter targets the lock gates. Any patch touching
// one of these under a different stage (eeg_source.driver.*) must check
// the lock first.
var Fields = map[string]bool{
	"driver.sample_rate": true,
	"driver.chips":       true,
	"driver.type":        true,
}

// Lock is Unlocked or Locked(by=recording_id).
type Lock struct {
	mu sync.Mutex
	by string // "" means Unlocked
}

// New returns an Unlocked lock.
func New() *Lock { return &Lock{} }

// TryLock transitions Unlocked -> Locked(by=recordingID). Returns ErrLocked
// if already locked by a different recording.
func (l *Lock) TryLock(recordingID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.by != "" && l.by != recordingID {
		return ErrLocked
	}
	l.by = recordingID
	return nil
}

// Unlock transitions back to Unlocked, regardless of who holds it — used
// both by stop_recording and by the pipeline's fatal-error path (§4.10).
func (l *Lock) Unlock() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.by = ""
}

// Holder returns the current recording id, or "" if unlocked.
func (l *Lock) Holder() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.by
}

// CheckField returns ErrLocked if field is gated and the lock is currently
// held, regardless of holder — any SetParameter touching a gated field is
// rejected while a recording is active (§7: Contract error, reject command).
func (l *Lock) CheckField(field string) error {
	if !Fields[field] {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.by != "" {
		return ErrLocked
	}
	return nil
}
