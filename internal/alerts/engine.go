package alerts

import (
	"context"
	"fmt"
	"log"
	"path"
	"strings"
	"time"

	"github.com/mossleigh/steward/internal/classify"
	"github.com/mossleigh/steward/internal/store"
	"github.com/mossleigh/steward/internal/trigger"
)

// Event is one evaluatable pipeline event: a newly processed item or a
// working-memory nudge.
type Event struct {
	Type       string
	ID         string
	Sender     string
	Recipient  []string
	Subject    string
	Body       string
	Urgency    string
	Labels     []string
	Categories []string
	Attendees  int
	Overdue    bool
	Payload    map[string]any
}

// ItemEvent builds an evaluatable event from a processed item.
func ItemEvent(it store.Item, labels []string) Event {
	eventType := EventEmailReceived
	if it.Kind == store.KindCalendarEvent {
		eventType = EventCalendarEvent
	}
	return Event{
		Type:       eventType,
		ID:         it.ID,
		Sender:     it.Sender.String,
		Recipient:  it.Recipients(),
		Subject:    it.Subject.String,
		Body:       it.BodyPreview.String,
		Urgency:    it.Urgency.String,
		Labels:     labels,
		Categories: it.Categories(),
		Attendees:  len(it.Recipients()) + len(it.CcRecipients()),
		Payload: map[string]any{
			"item_id": it.ID,
			"sender":  it.Sender.String,
			"subject": it.Subject.String,
		},
	}
}

// Engine evaluates enabled rules against events. Structural conditions run
// first; the semantic matcher is consulted only when they pass, and a
// semantic failure skips the rule for this event rather than failing the
// whole evaluation.
type Engine struct {
	rules     *Rules
	matcher   classify.SemanticMatcher
	publisher *trigger.Publisher
	user      string
}

// NewEngine returns an alert engine. matcher may be nil; rules that require
// semantic matching then never fire.
func NewEngine(rules *Rules, matcher classify.SemanticMatcher, publisher *trigger.Publisher, user string) *Engine {
	return &Engine{rules: rules, matcher: matcher, publisher: publisher, user: user}
}

// Evaluate runs all enabled rules against one event and returns the ids of
// rules that fired.
func (e *Engine) Evaluate(ctx context.Context, ev Event) ([]string, error) {
	rules, err := e.rules.List(ctx, true)
	if err != nil {
		return nil, err
	}

	var fired []string
	now := time.Now()
	for _, rule := range rules {
		if !subscribes(rule, ev.Type) {
			continue
		}
		if inCooldown(rule, now) {
			continue
		}
		cond := rule.Conditions()
		matched, reason := matchConditions(cond, ev)
		if !matched {
			continue
		}
		if cond.RequiresSemanticMatch {
			ok, semanticReason, err := e.semanticMatch(ctx, rule, ev)
			if err != nil {
				log.Printf("alerts: semantic match for rule %s: %v", rule.ID, err)
				continue
			}
			if !ok {
				continue
			}
			if semanticReason != "" {
				reason = semanticReason
			}
		}

		recorded, err := e.rules.recordFiring(ctx, rule.ID, ev.Type, ev.ID, reason, ev.Payload)
		if err != nil {
			return fired, err
		}
		if !recorded {
			// This (rule, event) pair already fired once.
			continue
		}
		if err := e.publishFiring(rule, ev, reason); err != nil {
			return fired, err
		}
		fired = append(fired, rule.ID)
	}
	return fired, nil
}

func (e *Engine) semanticMatch(ctx context.Context, rule Rule, ev Event) (bool, string, error) {
	if e.matcher == nil {
		return false, "", nil
	}
	eventContext := fmt.Sprintf("from: %s\nsubject: %s\n\n%s", ev.Sender, ev.Subject, ev.Body)
	return e.matcher.MatchesRule(ctx, rule.RuleText, eventContext)
}

func (e *Engine) publishFiring(rule Rule, ev Event, reason string) error {
	if e.publisher == nil {
		return nil
	}
	payload := map[string]any{
		"rule_id":      rule.ID,
		"rule_text":    rule.RuleText,
		"event_type":   ev.Type,
		"event_id":     ev.ID,
		"match_reason": reason,
	}
	for k, v := range ev.Payload {
		payload[k] = v
	}
	routing := &trigger.Routing{Channel: rule.Channel, Target: rule.ChannelTarget.String}
	dedupeKey := trigger.MakeDedupeKey(trigger.TypeAlertRuleTriggered, e.user, rule.ID+":"+ev.ID)
	_, _, err := e.publisher.Publish(e.user, trigger.TypeAlertRuleTriggered, payload, dedupeKey, routing)
	return err
}

func subscribes(rule Rule, eventType string) bool {
	for _, et := range rule.EventTypes() {
		if et == eventType {
			return true
		}
	}
	return false
}

func inCooldown(rule Rule, now time.Time) bool {
	if !rule.LastTriggeredAt.Valid || rule.CooldownMinutes <= 0 {
		return false
	}
	elapsed := now.Unix() - rule.LastTriggeredAt.Int64
	return elapsed < int64(rule.CooldownMinutes)*60
}

// matchConditions evaluates the structural conditions, cheapest first.
// Returns whether the rule matched and a short reason string.
func matchConditions(cond Conditions, ev Event) (bool, string) {
	type check struct {
		present bool
		pass    bool
		reason  string
	}
	checks := []check{
		{len(cond.UrgencyLevels) > 0, containsFold(cond.UrgencyLevels, ev.Urgency), "urgency " + ev.Urgency},
		{cond.MinAttendees > 0, ev.Attendees >= cond.MinAttendees, fmt.Sprintf("%d attendees", ev.Attendees)},
		{cond.OverdueOnly, ev.Overdue, "overdue"},
		{len(cond.Categories) > 0, intersectsFold(cond.Categories, ev.Categories), "category match"},
		{len(cond.Labels) > 0, intersectsFold(cond.Labels, ev.Labels), "label match"},
		{len(cond.SenderPatterns) > 0, matchesAnyPattern(cond.SenderPatterns, []string{ev.Sender}), "sender " + ev.Sender},
		{len(cond.RecipientPatterns) > 0, matchesAnyPattern(cond.RecipientPatterns, ev.Recipient), "recipient match"},
		{len(cond.SubjectKeywords) > 0, containsAnyKeyword(ev.Subject, cond.SubjectKeywords), "subject keyword"},
		{len(cond.BodyKeywords) > 0, containsAnyKeyword(ev.Body, cond.BodyKeywords), "body keyword"},
	}

	any := false
	reasons := make([]string, 0, 2)
	for _, c := range checks {
		if !c.present {
			continue
		}
		any = true
		if c.pass {
			reasons = append(reasons, c.reason)
			if cond.MatchMode != MatchAll {
				return true, c.reason
			}
		} else if cond.MatchMode == MatchAll {
			return false, ""
		}
	}
	if !any {
		// A rule with no structural conditions relies on semantics alone.
		return cond.RequiresSemanticMatch, ""
	}
	if cond.MatchMode == MatchAll {
		return true, strings.Join(reasons, ", ")
	}
	return false, ""
}

func containsFold(haystack []string, needle string) bool {
	for _, h := range haystack {
		if strings.EqualFold(h, needle) {
			return true
		}
	}
	return false
}

func intersectsFold(a, b []string) bool {
	for _, x := range a {
		if containsFold(b, x) {
			return true
		}
	}
	return false
}

func matchesAnyPattern(patterns, values []string) bool {
	for _, p := range patterns {
		p = strings.ToLower(p)
		for _, v := range values {
			v = strings.ToLower(strings.TrimSpace(v))
			if v == "" {
				continue
			}
			if ok, _ := path.Match(p, v); ok {
				return true
			}
			// Bare domains match any address at that domain.
			if !strings.ContainsAny(p, "*?[") && strings.HasSuffix(v, "@"+p) {
				return true
			}
		}
	}
	return false
}

func containsAnyKeyword(text string, keywords []string) bool {
	text = strings.ToLower(text)
	for _, kw := range keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw != "" && strings.Contains(text, kw) {
			return true
		}
	}
	return false
}
