// Package service wires the long-running loops together. The organizer and
// the working-memory engine run on independent tickers and never share
// in-process state; the database is the only coordination point.
package service

import (
	"context"
	"log"
	"time"

	"github.com/mossleigh/steward/internal/config"
	"github.com/mossleigh/steward/internal/index"
	"github.com/mossleigh/steward/internal/memory"
	"github.com/mossleigh/steward/internal/organizer"
	"github.com/mossleigh/steward/internal/provider"
)

// Service runs the steward background loops.
type Service struct {
	cfg       config.Config
	syncer    *provider.Syncer
	organizer *organizer.Organizer
	indexer   *index.Indexer
	memory    *memory.Engine
}

// New returns a service. syncer and indexer may be nil when no provider or
// embedder is wired; those steps are skipped.
func New(cfg config.Config, syncer *provider.Syncer, org *organizer.Organizer,
	indexer *index.Indexer, mem *memory.Engine) *Service {
	return &Service{cfg: cfg, syncer: syncer, organizer: org, indexer: indexer, memory: mem}
}

// Run blocks until the context is canceled, driving both loops. Each loop
// runs once immediately so a fresh start drains backlog without waiting a
// full interval.
func (s *Service) Run(ctx context.Context) error {
	organizerTicker := time.NewTicker(s.cfg.Organizer.Interval)
	defer organizerTicker.Stop()
	memoryTicker := time.NewTicker(s.cfg.Memory.Interval)
	defer memoryTicker.Stop()

	s.organizerPass(ctx)
	s.memoryPass(ctx)

	for {
		select {
		case <-ctx.Done():
			log.Println("service: shutting down")
			return nil
		case <-organizerTicker.C:
			s.organizerPass(ctx)
		case <-memoryTicker.C:
			s.memoryPass(ctx)
		}
	}
}

// organizerPass runs one sync-organize-index pipeline pass. Failures are
// logged, never fatal: the next tick retries from persisted state.
func (s *Service) organizerPass(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if s.syncer != nil {
		res, err := s.syncer.Sync(ctx)
		if err != nil {
			log.Printf("service: provider sync: %v", err)
		} else if res.Upserted > 0 || res.Deleted > 0 {
			log.Printf("service: synced %d upserts, %d deletes in %s", res.Upserted, res.Deleted, res.Duration.Round(time.Millisecond))
		}
	}

	stats, err := s.organizer.RunCycle(ctx)
	if err != nil {
		log.Printf("service: organizer cycle: %v", err)
	} else if stats.Claimed > 0 || stats.Followups > 0 {
		log.Printf("service: organized %d items (%d actioned, %d failed, %d retried), %d followups in %s",
			stats.Claimed, stats.Actioned, stats.Failed, stats.Retried, stats.Followups,
			stats.Duration.Round(time.Millisecond))
	}

	if s.indexer != nil {
		ixStats, err := s.indexer.Run(ctx, 100)
		if err != nil {
			log.Printf("service: index pass: %v", err)
		} else if ixStats.ItemsChunked > 0 || ixStats.ChunksEmbedded > 0 {
			log.Printf("service: indexed %d items, %d attachments, embedded %d chunks in %s",
				ixStats.ItemsChunked, ixStats.AttachmentsChunked, ixStats.ChunksEmbedded,
				ixStats.Duration.Round(time.Millisecond))
		}
	}
}

func (s *Service) memoryPass(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	stats, err := s.memory.Cycle(ctx)
	if err != nil {
		log.Printf("service: memory cycle: %v", err)
		return
	}
	log.Printf("service: memory cycle rebuilt %d threads (%d pruned), %d contacts, escalated %d facts, sent %d nudges, expired %d observations in %s",
		stats.ThreadsRebuilt, stats.ThreadsPruned, stats.ContactsRefreshed,
		stats.FactsEscalated, stats.NudgesSent, stats.ObservationsExpired,
		stats.Duration.Round(time.Millisecond))
}
