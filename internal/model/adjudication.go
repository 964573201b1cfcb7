package model

// GroupLabel is a human-readable label/description pair for a group.
type GroupLabel struct {
	Label       string `json:"label"`
	Description string `json:"description"`
}

// AdjudicationResult is the adjudicator's final word on an escalated
// decision. Outcome is always assign or create: the adjudicator must not
// leave an article unresolved, so exhausted retries degrade to create.
type AdjudicationResult struct {
	Outcome  Outcome     `json:"outcome"`
	Label    *GroupLabel `json:"label,omitempty"` // optional refreshed label text
	Fallback bool        `json:"fallback"`        // true when the backend failed and the fixed policy applied
}
