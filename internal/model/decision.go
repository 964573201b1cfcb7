package model

// Outcome is the result of the assignment decision for one article.
type Outcome string

const (
	// OutcomeAssign places the article into an existing group.
	OutcomeAssign Outcome = "assign"
	// OutcomeCreate starts a new group seeded with the article.
	OutcomeCreate Outcome = "create"
	// OutcomeEscalate defers an ambiguous decision to the adjudicator.
	// Escalation is never terminal; it resolves to assign or create.
	OutcomeEscalate Outcome = "escalate"
)

// Decision is the assigner's verdict for one article, with enough context
// for the adjudicator and for observability.
type Decision struct {
	Outcome    Outcome `json:"outcome"`
	GroupID    int64   `json:"group_id,omitempty"` // best candidate (assign/escalate)
	Score      float64 `json:"score"`              // composite similarity to best candidate
	Threshold  float64 `json:"threshold"`          // dynamic threshold used for best candidate
	Candidates int     `json:"candidates"`         // groups compared
}
