package classify

import (
	"context"
	"testing"
)

func TestHeuristicUrgency(t *testing.T) {
	h := Heuristic{}
	ctx := context.Background()

	r, err := h.Classify(ctx, Request{Subject: "URGENT: server down", Text: "Please look immediately."})
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if r.Urgency != "immediate" {
		t.Errorf("urgency = %q, want immediate", r.Urgency)
	}

	r, _ = h.Classify(ctx, Request{Subject: "notes", Text: "Minutes from last week."})
	if r.Urgency != "this_week" {
		t.Errorf("default urgency = %q", r.Urgency)
	}

	r, _ = h.Classify(ctx, Request{Subject: "notes", Text: "Minutes attached.", VIPSender: true})
	if r.Urgency != "today" {
		t.Errorf("vip urgency = %q, want today", r.Urgency)
	}
}

func TestHeuristicReplyAndScheduling(t *testing.T) {
	h := Heuristic{}
	ctx := context.Background()

	r, _ := h.Classify(ctx, Request{Subject: "quick one", Text: "Can you send me the figures?"})
	if !r.RequiresReply {
		t.Error("trailing question not flagged as requiring a reply")
	}

	r, _ = h.Classify(ctx, Request{Subject: "sync", Text: "What's your availability next week for 30 minutes?"})
	if !r.AvailabilityRequested {
		t.Error("scheduling language not detected")
	}

	r, _ = h.Classify(ctx, Request{Subject: "Weekly digest", Text: "Top stories... Unsubscribe here."})
	if r.SuggestedAction != "archive" || r.RequiresReply {
		t.Errorf("newsletter handling = %+v", r)
	}
}
