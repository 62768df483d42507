package domain

import (
	"testing"
	"time"
)

func TestAnalysisEntryExpired(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	entry := &AnalysisEntry{ExpiresAt: now.Add(time.Hour)}

	if entry.Expired(now) {
		t.Error("entry should not be expired before ExpiresAt")
	}
	if !entry.Expired(now.Add(time.Hour)) {
		t.Error("entry should be expired at ExpiresAt")
	}
	if !entry.Expired(now.Add(2 * time.Hour)) {
		t.Error("entry should be expired after ExpiresAt")
	}
}

func TestAnalysisEntryUsable(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	fresh := &AnalysisEntry{ExpiresAt: now.Add(time.Hour)}
	if !fresh.Usable(now) {
		t.Error("fresh entry should be usable")
	}

	stale := &AnalysisEntry{ExpiresAt: now.Add(time.Hour), IsStale: true}
	if stale.Usable(now) {
		t.Error("stale entry must not be usable even before expiry")
	}

	expired := &AnalysisEntry{ExpiresAt: now.Add(-time.Minute)}
	if expired.Usable(now) {
		t.Error("expired entry must not be usable")
	}
}
