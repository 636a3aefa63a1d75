// Package notify is the toast/notification side-channel. It carries
// user-visible warnings and errors out of the engine; it is never
// load-bearing for correctness.
package notify

import (
	"sync"

	"investigator/pkg/logx"
)

// Sink receives user-visible notifications.
type Sink interface {
	AddError(title string, err error)
	AddWarning(title, message string)
}

// LogSink writes notifications to the engine log.
type LogSink struct {
	logger *logx.Logger
}

// NewLogSink creates a log-backed notification sink.
func NewLogSink() *LogSink {
	return &LogSink{logger: logx.NewLogger("notify")}
}

func (s *LogSink) AddError(title string, err error) {
	s.logger.Error("%s: %v", title, err)
}

func (s *LogSink) AddWarning(title, message string) {
	s.logger.Warn("%s: %s", title, message)
}

// CaptureSink records notifications for assertions in tests.
type CaptureSink struct {
	mu       sync.Mutex
	Errors   []CapturedNotification
	Warnings []CapturedNotification
}

// CapturedNotification is one recorded notification.
type CapturedNotification struct {
	Title   string
	Message string
}

func (s *CaptureSink) AddError(title string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	message := ""
	if err != nil {
		message = err.Error()
	}
	s.Errors = append(s.Errors, CapturedNotification{Title: title, Message: message})
}

func (s *CaptureSink) AddWarning(title, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Warnings = append(s.Warnings, CapturedNotification{Title: title, Message: message})
}

// ErrorCount returns the number of captured errors.
func (s *CaptureSink) ErrorCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Errors)
}

// WarningCount returns the number of captured warnings.
func (s *CaptureSink) WarningCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Warnings)
}
