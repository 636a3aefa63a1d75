package logx

import (
	"strings"
	"testing"
	"time"
)

func TestLoggerCapturesEntries(t *testing.T) {
	logger := NewLogger("test-component")
	logger.Info("hello %s", "world")

	entries := RecentEntries("test-component", time.Time{})
	if len(entries) == 0 {
		t.Fatal("expected at least one buffered entry")
	}

	last := entries[len(entries)-1]
	if last.Component != "test-component" {
		t.Errorf("expected component test-component, got %s", last.Component)
	}
	if last.Level != string(LevelInfo) {
		t.Errorf("expected level INFO, got %s", last.Level)
	}
	if last.Message != "hello world" {
		t.Errorf("expected formatted message, got %q", last.Message)
	}
}

func TestDebugSuppressedWhenDisabled(t *testing.T) {
	SetDebug(false)
	defer SetDebug(false)

	logger := NewLogger("debug-check")
	logger.Debug("should not appear")

	for _, e := range RecentEntries("debug-check", time.Time{}) {
		if strings.Contains(e.Message, "should not appear") {
			t.Fatal("debug entry captured while debug disabled")
		}
	}

	SetDebug(true)
	logger.Debug("should appear")

	found := false
	for _, e := range RecentEntries("debug-check", time.Time{}) {
		if strings.Contains(e.Message, "should appear") {
			found = true
		}
	}
	if !found {
		t.Fatal("debug entry missing while debug enabled")
	}
}

func TestRecentEntriesSinceFilter(t *testing.T) {
	logger := NewLogger("since-check")
	logger.Info("old entry")

	cutoff := time.Now().UTC().Add(time.Second)
	entries := RecentEntries("since-check", cutoff)
	if len(entries) != 0 {
		t.Errorf("expected no entries after cutoff, got %d", len(entries))
	}
}

func TestWithComponent(t *testing.T) {
	logger := NewLogger("parent").WithComponent("child")
	logger.Info("nested")

	entries := RecentEntries("parent/child", time.Time{})
	if len(entries) == 0 {
		t.Fatal("expected entry under parent/child component")
	}
}
