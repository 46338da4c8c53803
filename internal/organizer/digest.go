package organizer

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/mossleigh/steward/internal/prefs"
	"github.com/mossleigh/steward/internal/store"
	"github.com/mossleigh/steward/internal/trigger"
)

var weekdayNames = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

// maybePublishDigest emits the weekly digest once per week, after the
// configured local day and time. The fired-week key lives in poll_state, so
// restarts within the same week never re-send.
func (o *Organizer) maybePublishDigest(ctx context.Context, p prefs.Prefs) error {
	if o.publisher == nil || o.state == nil {
		return nil
	}

	loc := time.Local
	if tz := p.String("timezone", ""); tz != "" {
		if l, err := time.LoadLocation(tz); err == nil {
			loc = l
		} else {
			log.Printf("organizer: unknown timezone %q, using local", tz)
		}
	}
	now := time.Now().In(loc)

	digestDay, ok := weekdayNames[strings.ToLower(p.String("digest_day", "monday"))]
	if !ok {
		digestDay = time.Monday
	}
	hour, minute := parseClock(p.String("digest_time_local", "08:00"))

	// Most recent occurrence of the digest day, at the digest time.
	daysBack := (int(now.Weekday()) - int(digestDay) + 7) % 7
	due := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, loc).AddDate(0, 0, -daysBack)
	if now.Before(due) {
		return nil
	}
	weekKey := due.Format("2006-01-02")

	changed, err := o.state.SetIfChanged(ctx, "digest", "last_week_start", weekKey)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}

	payload, err := o.digestPayload(ctx)
	if err != nil {
		return err
	}
	payload["week_of"] = weekKey
	key := trigger.MakeDedupeKey(trigger.TypeWeeklyDigestReady, o.user, weekKey)
	_, _, err = o.publisher.Publish(o.user, trigger.TypeWeeklyDigestReady, payload, key, nil)
	return err
}

func (o *Organizer) digestPayload(ctx context.Context) (map[string]any, error) {
	payload := map[string]any{}

	unprocessed, err := o.items.ListUnprocessedCount(ctx)
	if err != nil {
		return nil, err
	}
	payload["unprocessed_items"] = unprocessed

	commitments, err := o.facts.ListOpen(ctx, store.FactCommitment, 100)
	if err != nil {
		return nil, err
	}
	payload["open_commitments"] = len(commitments)

	decisions, err := o.facts.ListOpen(ctx, store.FactDecision, 100)
	if err != nil {
		return nil, err
	}
	payload["open_decisions"] = len(decisions)

	if o.threads != nil {
		waiting, err := o.threads.NeedingReply(ctx, time.Now(), 100)
		if err != nil {
			return nil, err
		}
		payload["threads_needing_reply"] = len(waiting)
	}
	return payload, nil
}

// parseClock parses "HH:MM", falling back to 08:00.
func parseClock(s string) (int, int) {
	var hour, minute int
	if n, err := fmt.Sscanf(strings.TrimSpace(s), "%d:%d", &hour, &minute); err != nil || n != 2 {
		return 8, 0
	}
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return 8, 0
	}
	return hour, minute
}
