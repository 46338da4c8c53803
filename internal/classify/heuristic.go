package classify

import (
	"context"
	"regexp"
	"strings"
)

// Heuristic is a deterministic keyword classifier used when no model-backed
// classifier is configured. It covers the structural signals (urgency words,
// questions, scheduling language) but never extracts commitments or
// decisions; those need a real model.
type Heuristic struct{}

var (
	urgentWords    = []string{"urgent", "asap", "immediately", "emergency", "critical", "right away"}
	todayWords     = []string{"today", "eod", "end of day", "by tonight"}
	scheduleWords  = []string{"availability", "available", "schedule a", "find a time", "calendar invite", "meet next", "30 minutes", "meeting request"}
	newsletterHint = regexp.MustCompile(`(?i)unsubscribe|view (this|in) browser|no-?reply@`)
	questionToUser = regexp.MustCompile(`(?m)\?\s*$`)
)

// Classify applies the keyword rules. It never fails.
func (Heuristic) Classify(_ context.Context, req Request) (Result, error) {
	text := strings.ToLower(req.Subject + "\n" + req.Text)

	result := Result{
		Urgency:    urgencyFor(text, req.VIPSender),
		Confidence: 0.5,
	}

	switch {
	case newsletterHint.MatchString(req.Text):
		result.Categories = []string{"newsletter"}
		result.SuggestedAction = "archive"
		result.Reason = "bulk mail markers"
	case containsAny(text, scheduleWords):
		result.Categories = []string{"scheduling"}
		result.AvailabilityRequested = true
		result.Availability = &Availability{Constraints: req.Subject}
		result.Reason = "scheduling language"
	default:
		result.Categories = []string{"general"}
		result.Reason = "no strong signal"
	}

	if questionToUser.MatchString(req.Text) && !newsletterHint.MatchString(req.Text) {
		result.RequiresReply = true
		result.ReplyReason = "direct question"
	}
	return result, nil
}

func urgencyFor(text string, vip bool) string {
	switch {
	case containsAny(text, urgentWords):
		return "immediate"
	case containsAny(text, todayWords):
		return "today"
	case vip:
		return "today"
	default:
		return "this_week"
	}
}

func containsAny(text string, words []string) bool {
	for _, w := range words {
		if strings.Contains(text, w) {
			return true
		}
	}
	return false
}
