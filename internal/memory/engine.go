// Package memory implements the working-memory engine: a periodic cycle
// that derives threads and contacts from the item log, escalates and expires
// facts, and decides which nudges are worth the user's attention.
//
// Every derivation is a pure function of items plus time, so running a cycle
// twice in a row leaves the database unchanged apart from nudge stamps.
package memory

import (
	"context"
	"database/sql"
	"log"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/mossleigh/steward/internal/alerts"
	"github.com/mossleigh/steward/internal/prefs"
	"github.com/mossleigh/steward/internal/store"
	"github.com/mossleigh/steward/internal/trigger"
)

// Engine runs working-memory maintenance cycles.
type Engine struct {
	db        *sqlx.DB
	user      string
	items     *store.Items
	threads   *store.Threads
	contacts  *store.Contacts
	facts     *store.Facts
	publisher *trigger.Publisher
	alerts    *alerts.Engine
}

// New returns a working-memory engine. publisher and alerts may be nil; the
// nudge steps then only stamp state.
func New(db *sqlx.DB, user string, items *store.Items, threads *store.Threads,
	contacts *store.Contacts, facts *store.Facts, publisher *trigger.Publisher,
	alertEngine *alerts.Engine) *Engine {
	return &Engine{
		db:        db,
		user:      user,
		items:     items,
		threads:   threads,
		contacts:  contacts,
		facts:     facts,
		publisher: publisher,
		alerts:    alertEngine,
	}
}

// CycleStats summarizes one maintenance cycle.
type CycleStats struct {
	ThreadsRebuilt      int
	ThreadsPruned       int64
	ContactsRefreshed   int
	FactsEscalated      int
	NudgesSent          int
	ObservationsExpired int64
	Duration            time.Duration
}

// Cycle runs one full maintenance pass. Preferences are re-read each cycle,
// so changes take effect on the next run without a restart.
func (e *Engine) Cycle(ctx context.Context) (CycleStats, error) {
	start := time.Now()
	stats := CycleStats{}

	p, err := prefs.Read()
	if err != nil {
		log.Printf("memory: read preferences: %v", err)
		p = prefs.Prefs{}
	}

	n, err := e.rebuildThreads(ctx, p)
	if err != nil {
		return stats, err
	}
	stats.ThreadsRebuilt = n

	pruned, err := e.threads.PruneMissing(ctx)
	if err != nil {
		return stats, err
	}
	stats.ThreadsPruned = pruned

	n, err = e.refreshContacts(ctx)
	if err != nil {
		return stats, err
	}
	stats.ContactsRefreshed = n

	n, err = e.escalateFacts(ctx, p)
	if err != nil {
		return stats, err
	}
	stats.FactsEscalated = n

	n, err = e.sendNudges(ctx, p)
	if err != nil {
		return stats, err
	}
	stats.NudgesSent = n

	ttlDays := p.Int("observation_ttl_days", 30)
	expired, err := e.facts.ExpireObservations(ctx, time.Now().AddDate(0, 0, -ttlDays))
	if err != nil {
		return stats, err
	}
	stats.ObservationsExpired = expired

	stats.Duration = time.Since(start)
	return stats, nil
}

// threadSource is the slice of item columns the rebuild needs.
type threadSource struct {
	ID             string         `db:"id"`
	ConversationID string         `db:"conversation_id"`
	Sender         sql.NullString `db:"sender"`
	ToJSON         sql.NullString `db:"to_json"`
	CcJSON         sql.NullString `db:"cc_json"`
	Subject        sql.NullString `db:"subject"`
	Urgency        sql.NullString `db:"urgency"`
	ReceivedAt     sql.NullInt64  `db:"received_at"`
}

// rebuildThreads recomputes every thread row from the item log. Ordering by
// received_at makes the last row of each conversation the authoritative one.
func (e *Engine) rebuildThreads(ctx context.Context, p prefs.Prefs) (int, error) {
	var rows []threadSource
	err := e.db.SelectContext(ctx, &rows, `
		SELECT id, conversation_id, sender, to_json, cc_json, subject,
		       urgency, received_at
		FROM items
		WHERE conversation_id IS NOT NULL
		ORDER BY conversation_id, received_at ASC
	`)
	if err != nil {
		return 0, err
	}

	staleDays := p.Int("stale_thread_days", 14)
	staleCutoff := time.Now().AddDate(0, 0, -staleDays).Unix()
	user := strings.ToLower(e.user)

	byConversation := map[string][]threadSource{}
	var order []string
	for _, row := range rows {
		if _, seen := byConversation[row.ConversationID]; !seen {
			order = append(order, row.ConversationID)
		}
		byConversation[row.ConversationID] = append(byConversation[row.ConversationID], row)
	}

	rebuilt := 0
	for _, conversationID := range order {
		items := byConversation[conversationID]
		last := items[len(items)-1]

		urgency := ""
		for _, it := range items {
			if it.Urgency.Valid && (urgency == "" || store.UrgencyAtLeast(it.Urgency.String, urgency)) {
				urgency = it.Urgency.String
			}
		}

		// Reply direction alone decides needs_reply: the counterpart had the
		// last word and addressed the user directly. The classifier's
		// requires_reply flag feeds triggers, not thread state.
		lastInboundFromOther := last.Sender.Valid && !strings.EqualFold(last.Sender.String, e.user)
		needsReply := lastInboundFromOther && addressedTo(last, user)

		status := store.ThreadActive
		if last.ReceivedAt.Valid && last.ReceivedAt.Int64 < staleCutoff {
			status = store.ThreadStale
		}

		t := store.Thread{
			ID:           conversationID,
			Subject:      last.Subject,
			Status:       status,
			NeedsReply:   needsReply,
			LastSender:   last.Sender,
			MessageCount: len(items),
		}
		if urgency != "" {
			t.Urgency = sql.NullString{String: urgency, Valid: true}
		}
		if last.ReceivedAt.Valid {
			t.LastActivityAt = last.ReceivedAt
		}
		if err := e.threads.Upsert(ctx, t); err != nil {
			return rebuilt, err
		}
		rebuilt++
	}
	return rebuilt, nil
}

// addressedTo reports whether the user is a direct recipient. Items where
// the user appears only in CC never flip a thread to needs-reply.
func addressedTo(row threadSource, user string) bool {
	if user == "" {
		return true
	}
	for _, to := range decodeList(row.ToJSON.String) {
		if strings.ToLower(strings.TrimSpace(to)) == user {
			return true
		}
	}
	return false
}

func decodeList(raw string) []string {
	it := store.Item{ToJSON: sql.NullString{String: raw, Valid: raw != ""}}
	return it.Recipients()
}

// refreshContacts re-derives the contact table from item history.
func (e *Engine) refreshContacts(ctx context.Context) (int, error) {
	var rows []threadSource
	err := e.db.SelectContext(ctx, &rows, `
		SELECT id, COALESCE(conversation_id, '') AS conversation_id, sender,
		       to_json, cc_json, subject, urgency, received_at
		FROM items
	`)
	if err != nil {
		return 0, err
	}

	user := strings.ToLower(e.user)
	agg := map[string]*store.Contact{}
	touch := func(email string) *store.Contact {
		email = strings.ToLower(strings.TrimSpace(email))
		if email == "" || email == user {
			return nil
		}
		c, ok := agg[email]
		if !ok {
			c = &store.Contact{Email: email}
			agg[email] = c
		}
		return c
	}
	stamp := func(c *store.Contact, at sql.NullInt64) {
		if !at.Valid {
			return
		}
		if !c.FirstSeenAt.Valid || at.Int64 < c.FirstSeenAt.Int64 {
			c.FirstSeenAt = at
		}
		if !c.LastContactAt.Valid || at.Int64 > c.LastContactAt.Int64 {
			c.LastContactAt = at
		}
	}

	for _, row := range rows {
		outbound := row.Sender.Valid && strings.EqualFold(row.Sender.String, e.user)
		if !outbound && row.Sender.Valid {
			if c := touch(row.Sender.String); c != nil {
				c.MessageCount++
				c.InboundCount++
				stamp(c, row.ReceivedAt)
			}
		}
		if outbound {
			for _, to := range decodeList(row.ToJSON.String) {
				if c := touch(to); c != nil {
					c.MessageCount++
					c.OutboundCount++
					stamp(c, row.ReceivedAt)
				}
			}
		}
		for _, cc := range decodeList(row.CcJSON.String) {
			if c := touch(cc); c != nil {
				c.CcCount++
				stamp(c, row.ReceivedAt)
			}
		}
	}

	refreshed := 0
	for _, c := range agg {
		if err := e.contacts.Upsert(ctx, *c); err != nil {
			return refreshed, err
		}
		refreshed++
	}
	return refreshed, nil
}

// escalateFacts raises the urgency of overdue commitments and decisions to a
// floor derived from how long they have been overdue. The floor is a pure
// function of due_by and now, so repeated cycles converge instead of
// ratcheting.
func (e *Engine) escalateFacts(ctx context.Context, p prefs.Prefs) (int, error) {
	escalateDays := p.Int("escalate_days", 7)
	if escalateDays <= 0 {
		escalateDays = 7
	}
	now := time.Now()

	escalated := 0
	for _, factType := range []string{store.FactCommitment, store.FactDecision} {
		overdue, err := e.facts.ListOverdue(ctx, factType, now, 100)
		if err != nil {
			return escalated, err
		}
		for _, f := range overdue {
			overdueDays := int(now.Sub(time.Unix(f.DueBy.Int64, 0)).Hours() / 24)
			floor := store.UrgencyToday
			if overdueDays >= escalateDays {
				floor = store.UrgencyImmediate
			}
			if store.UrgencyAtLeast(f.Urgency, floor) {
				continue
			}
			if err := e.facts.SetUrgency(ctx, f.ID, floor); err != nil {
				return escalated, err
			}
			escalated++
		}
	}
	return escalated, nil
}
