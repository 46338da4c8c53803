// Package classify defines the classification port: send text, get
// structured fields back. The LLM client behind it is an external
// collaborator; this package only fixes the contract.
package classify

import "context"

// Result is the structured classification of one item.
type Result struct {
	Categories    []string `json:"categories"`
	Urgency       string   `json:"urgency"`
	Reason        string   `json:"reason"`
	Labels        []string `json:"labels,omitempty"`
	Confidence    float64  `json:"confidence"`
	RequiresReply bool     `json:"requires_reply"`
	ReplyReason   string   `json:"reply_reason,omitempty"`

	AvailabilityRequested bool          `json:"availability_requested"`
	Availability          *Availability `json:"availability,omitempty"`

	// Cleanup suggestion: keep, archive or delete.
	SuggestedAction string `json:"suggested_action,omitempty"`

	// Extracted facts feeding working memory.
	DecisionsRequested []DecisionRequest `json:"decisions_requested,omitempty"`
	CommitmentsMade    []CommitmentMade  `json:"commitments_made,omitempty"`
	Observations       []Observation     `json:"observations,omitempty"`
}

// Availability describes a scheduling request found in an item.
type Availability struct {
	TimeWindow      string   `json:"time_window,omitempty"`
	DurationMinutes int      `json:"duration_minutes,omitempty"`
	Timezone        string   `json:"timezone,omitempty"`
	Constraints     string   `json:"constraints,omitempty"`
	ProposedSlots   []string `json:"proposed_slots,omitempty"`
}

// DecisionRequest is a question awaiting the user's answer.
type DecisionRequest struct {
	Question string   `json:"question"`
	Context  string   `json:"context,omitempty"`
	Options  []string `json:"options,omitempty"`
	Deadline string   `json:"deadline,omitempty"`
}

// CommitmentMade is something the user promised to do.
type CommitmentMade struct {
	Description string `json:"description"`
	ToWhom      string `json:"to_whom,omitempty"`
	DueBy       string `json:"due_by,omitempty"`
}

// Observation is a passive learning fact, mostly from CC'd items.
type Observation struct {
	Content    string  `json:"content"`
	Importance float64 `json:"importance,omitempty"`
}

// Request carries the normalized item text plus caller context.
type Request struct {
	Text      string
	Sender    string
	Subject   string
	VIPSender bool
}

// Classifier is the classification port. Implementations must report failure
// without side effects; callers bound the call with a context timeout and
// treat errors as retryable.
type Classifier interface {
	Classify(ctx context.Context, req Request) (Result, error)
}

// SemanticMatcher answers yes/no semantic questions for the alert rule
// engine ("does this event match the rule's intent").
type SemanticMatcher interface {
	MatchesRule(ctx context.Context, ruleText string, eventContext string) (bool, string, error)
}
