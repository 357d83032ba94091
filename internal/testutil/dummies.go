// Package testutil provides shared test doubles for use across package tests.
// All dummies implement the corresponding interfaces from the production code,
// allowing injection into components under test without real I/O or side effects.
package testutil

import (
	"sync"

	"github.com/raysh454/snaptap/internal/capture"
	"github.com/raysh454/snaptap/internal/logging"
)

// ─── Logger ────────────────────────────────────────────────────────────

// DummyLogger implements logging.Logger with in-memory recording.
type DummyLogger struct {
	mu     sync.Mutex
	Errors []string
	Infos  []string
	Debugs []string
	Warns  []string
}

func (l *DummyLogger) Debug(msg string, fields ...logging.Field) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Debugs = append(l.Debugs, msg)
}

func (l *DummyLogger) Info(msg string, fields ...logging.Field) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Infos = append(l.Infos, msg)
}

func (l *DummyLogger) Warn(msg string, fields ...logging.Field) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Warns = append(l.Warns, msg)
}

func (l *DummyLogger) Error(msg string, fields ...logging.Field) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Errors = append(l.Errors, msg)
}

func (l *DummyLogger) With(_ ...logging.Field) logging.Logger { return l }

// WarnMessages returns a copy of the recorded warnings.
func (l *DummyLogger) WarnMessages() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.Warns...)
}

// ErrorMessages returns a copy of the recorded errors.
func (l *DummyLogger) ErrorMessages() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.Errors...)
}

// ─── Sink ──────────────────────────────────────────────────────────────

// RecordingSink implements capture.Sink and remembers every exchange.
type RecordingSink struct {
	mu        sync.Mutex
	Exchanges []capture.Exchange
}

func (s *RecordingSink) Append(ex capture.Exchange) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Exchanges = append(s.Exchanges, ex)
}

// All returns a copy of the recorded exchanges.
func (s *RecordingSink) All() []capture.Exchange {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]capture.Exchange(nil), s.Exchanges...)
}
