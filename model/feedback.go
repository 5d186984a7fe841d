package model

import "time"

// FeedbackIntent tags the intent behind user-sourced feedback. Recovered
// from original_source's shared/models.py (dropped by the distillation);
// purely additive — it does not gate any FSM transition, and the policy
// package does not read it: user feedback contributes only its Text to the
// guidance a refine_block task carries.
type FeedbackIntent string

const (
	FeedbackIntentClarify    FeedbackIntent = "clarify"
	FeedbackIntentExpand     FeedbackIntent = "expand"
	FeedbackIntentSimplify   FeedbackIntent = "simplify"
	FeedbackIntentCorrect    FeedbackIntent = "correct"
	FeedbackIntentReformulate FeedbackIntent = "reformulate"
)

// FeedbackSource distinguishes user-sourced from qc-sourced Feedback.
type FeedbackSource string

const (
	FeedbackSourceUser FeedbackSource = "user"
	FeedbackSourceQC   FeedbackSource = "qc"
)

// Feedback is either user-sourced (free text + optional location + intent)
// or qc-sourced (the QCReport embedded). Feedback is immutable once recorded
// and is referenced by refinement tasks.
type Feedback struct {
	ID        string
	BlockID   string
	Source    FeedbackSource
	Text      string          // user-sourced
	Intent    FeedbackIntent  // user-sourced, optional
	Location  string          // optional
	QCReport  *QCReport       // qc-sourced
	CreatedAt time.Time
}
