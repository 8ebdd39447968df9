package domain

import "time"

// BlacklistEntry suppresses further submissions for a repeatedly-failing
// material until the entry expires. Past expiry the material is admissible
// again without manual reset.
type BlacklistEntry struct {
	WorkflowID string    `json:"workflow_id"`
	MaterialID string    `json:"material_id"`
	Reason     string    `json:"reason"`
	ExpiresAt  time.Time `json:"expires_at"`
	CreatedAt  time.Time `json:"created_at"`
}

// Expired reports whether the entry no longer blocks admission.
func (e *BlacklistEntry) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}
