package domain

import (
	"strings"
	"testing"
	"time"
)

func TestNewWorkflowID_UniqueWithinSecond(t *testing.T) {
	now := time.Date(2026, 8, 23, 8, 35, 55, 0, time.UTC)

	a := NewWorkflowID(now)
	b := NewWorkflowID(now)
	if a == b {
		t.Fatalf("two workflows created in the same second collided: %s", a)
	}
	if !strings.HasPrefix(a, "wf-20260823-083555-") {
		t.Errorf("unexpected id form: %s", a)
	}
}
