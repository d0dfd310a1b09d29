package model

import (
	"testing"
	"time"
)

func TestAlertLifecycle(t *testing.T) {
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	alert := Alert{ID: "a1", Status: AlertStatusActive}

	if err := alert.Acknowledge("user-1", now); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if alert.Status != AlertStatusAcknowledged {
		t.Errorf("status = %s, want acknowledged", alert.Status)
	}
	if alert.AcknowledgedBy == nil || *alert.AcknowledgedBy != "user-1" {
		t.Error("acknowledge must record the user")
	}

	// Double acknowledge is rejected
	if err := alert.Acknowledge("user-2", now); err == nil {
		t.Error("expected error acknowledging a non-active alert")
	}

	if err := alert.Resolve("user-2", now.Add(time.Minute)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if alert.Status != AlertStatusResolved {
		t.Errorf("status = %s, want resolved", alert.Status)
	}

	if err := alert.Resolve("user-3", now); err == nil {
		t.Error("expected error resolving an already resolved alert")
	}
}

func TestAlertResolveDirectlyFromActive(t *testing.T) {
	alert := Alert{ID: "a2", Status: AlertStatusActive}
	if err := alert.Resolve("user-1", time.Now()); err != nil {
		t.Fatalf("active alerts may be resolved without acknowledgement: %v", err)
	}
}
