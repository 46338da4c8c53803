package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/spf13/cobra"

	"github.com/mossleigh/steward/internal/alerts"
	"github.com/mossleigh/steward/internal/classify"
	"github.com/mossleigh/steward/internal/config"
	"github.com/mossleigh/steward/internal/db"
	"github.com/mossleigh/steward/internal/index"
	"github.com/mossleigh/steward/internal/memory"
	"github.com/mossleigh/steward/internal/organizer"
	"github.com/mossleigh/steward/internal/prefs"
	"github.com/mossleigh/steward/internal/service"
	"github.com/mossleigh/steward/internal/store"
	"github.com/mossleigh/steward/internal/trigger"
)

var (
	version    = "dev"
	commit     = "none"
	buildDate  = "unknown"
	jsonOutput bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "steward",
		Short: "Delegated mailbox and calendar assistant",
		Long: `Steward watches a mailbox and calendar on the user's behalf:
it triages every incoming item, maintains a working memory of threads,
contacts and obligations, evaluates user-defined alert rules, and emits
notification triggers for anything worth interrupting the user about.`,
	}

	rootCmd.PersistentFlags().BoolVarP(&jsonOutput, "json", "j", false, "Output as JSON")

	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(organizeCmd())
	rootCmd.AddCommand(memoryCmd())
	rootCmd.AddCommand(indexCmd())
	rootCmd.AddCommand(searchCmd())
	rootCmd.AddCommand(itemsCmd())
	rootCmd.AddCommand(factsCmd())
	rootCmd.AddCommand(rulesCmd())
	rootCmd.AddCommand(triggersCmd())
	rootCmd.AddCommand(prefsCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func printJSON(v interface{}) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error marshaling JSON: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(data))
}

// fail prints an error in the selected output mode and exits.
func fail(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	if jsonOutput {
		printJSON(map[string]interface{}{"ok": false, "message": msg})
	} else {
		fmt.Fprintf(os.Stderr, "Error: %s\n", msg)
	}
	os.Exit(1)
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version info",
		Run: func(cmd *cobra.Command, args []string) {
			if jsonOutput {
				printJSON(map[string]string{
					"version": version,
					"commit":  commit,
					"date":    buildDate,
				})
			} else {
				fmt.Printf("steward %s (%s, %s)\n", version, commit, buildDate)
			}
		},
	}
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize steward config and database",
		Run: func(cmd *cobra.Command, args []string) {
			type Result struct {
				OK        bool   `json:"ok"`
				Message   string `json:"message,omitempty"`
				ConfigDir string `json:"config_dir,omitempty"`
				DataDir   string `json:"data_dir,omitempty"`
				DBPath    string `json:"db_path,omitempty"`
			}

			configDir, err := config.GetConfigDir()
			if err != nil {
				fail("failed to get config directory: %v", err)
			}
			dataDir, err := config.GetDataDir()
			if err != nil {
				fail("failed to get data directory: %v", err)
			}
			if err := os.MkdirAll(configDir, 0o755); err != nil {
				fail("failed to create config directory: %v", err)
			}
			if err := os.MkdirAll(dataDir, 0o755); err != nil {
				fail("failed to create data directory: %v", err)
			}
			if err := db.Init(); err != nil {
				fail("failed to initialize database: %v", err)
			}
			dbPath, err := db.GetPath()
			if err != nil {
				fail("failed to get database path: %v", err)
			}

			result := Result{
				OK:        true,
				Message:   "Steward initialized successfully",
				ConfigDir: configDir,
				DataDir:   dataDir,
				DBPath:    dbPath,
			}
			if jsonOutput {
				printJSON(result)
			} else {
				fmt.Printf("✓ Config directory: %s\n", result.ConfigDir)
				fmt.Printf("✓ Data directory: %s\n", result.DataDir)
				fmt.Printf("✓ Database: %s\n", result.DBPath)
				fmt.Println("\nSteward initialized successfully!")
			}
		},
	}
}

// wiring shared by run/organize/memory/index.
type app struct {
	cfg        config.Config
	db         *sqlx.DB
	items      *store.Items
	facts      *store.Facts
	threads    *store.Threads
	contacts   *store.Contacts
	state      *store.PollState
	rules      *alerts.Rules
	ruleParser alerts.RuleParser
	publisher  *trigger.Publisher
	alertEng   *alerts.Engine
	organizer  *organizer.Organizer
	memory     *memory.Engine
	indexer    *index.Indexer
	searcher   *index.Searcher
}

func openApp() *app {
	cfg, err := config.Load()
	if err != nil {
		fail("failed to load config: %v", err)
	}
	database, err := db.Open()
	if err != nil {
		fail("failed to open database: %v (run 'steward init' first)", err)
	}

	outboxDir, err := cfg.GetOutboxDir()
	if err != nil {
		fail("failed to resolve outbox directory: %v", err)
	}
	dedupeDir, err := cfg.GetDedupeDir()
	if err != nil {
		fail("failed to resolve dedupe directory: %v", err)
	}

	a := &app{
		cfg:      cfg,
		db:       database,
		items:    store.NewItems(database),
		facts:    store.NewFacts(database),
		threads:  store.NewThreads(database),
		contacts: store.NewContacts(database),
		state:    store.NewPollState(database),
		rules:    alerts.NewRules(database),
	}
	ttl := time.Duration(cfg.Outbox.DedupeTTLDays) * 24 * time.Hour
	a.publisher = trigger.NewPublisher(outboxDir, dedupeDir, ttl)
	a.alertEng = alerts.NewEngine(a.rules, nil, a.publisher, cfg.User.Email)
	// ruleParser stays nil until a model-backed parser is plugged in, like
	// the semantic matcher and embedder; `rules add` then takes
	// --conditions JSON or stores a semantic-only rule.

	// The heuristic classifier keeps the pipeline functional without a
	// model endpoint; a model-backed classifier plugs in here.
	classifier := classify.Heuristic{}
	a.organizer = organizer.New(cfg.Organizer, cfg.User.Email, a.items, a.facts,
		a.threads, a.state, classifier, nil, a.publisher, a.alertEng)
	a.memory = memory.New(database, cfg.User.Email, a.items, a.threads,
		a.contacts, a.facts, a.publisher, a.alertEng)
	a.indexer = index.NewIndexer(database, nil, "")
	a.searcher = index.NewSearcher(database, nil, "")
	return a
}

func (a *app) close() {
	a.db.Close()
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the organizer and working-memory loops",
		Run: func(cmd *cobra.Command, args []string) {
			a := openApp()
			defer a.close()

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			svc := service.New(a.cfg, nil, a.organizer, a.indexer, a.memory)
			fmt.Printf("steward running (organizer every %s, memory every %s), Ctrl-C to stop\n",
				a.cfg.Organizer.Interval, a.cfg.Memory.Interval)
			if err := svc.Run(ctx); err != nil {
				fail("service stopped: %v", err)
			}
		},
	}
}

func organizeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "organize",
		Short: "Run one organizer cycle",
		Run: func(cmd *cobra.Command, args []string) {
			a := openApp()
			defer a.close()

			stats, err := a.organizer.RunCycle(context.Background())
			if err != nil {
				fail("organizer cycle: %v", err)
			}
			if jsonOutput {
				printJSON(map[string]interface{}{
					"ok":        true,
					"claimed":   stats.Claimed,
					"actioned":  stats.Actioned,
					"failed":    stats.Failed,
					"retried":   stats.Retried,
					"followups": stats.Followups,
				})
			} else {
				fmt.Printf("✓ Processed %d items: %d actioned, %d failed, %d retried, %d followups (%s)\n",
					stats.Claimed, stats.Actioned, stats.Failed, stats.Retried,
					stats.Followups, stats.Duration.Round(time.Millisecond))
			}
		},
	}
}

func memoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "memory",
		Short: "Run one working-memory cycle",
		Run: func(cmd *cobra.Command, args []string) {
			a := openApp()
			defer a.close()

			stats, err := a.memory.Cycle(context.Background())
			if err != nil {
				fail("memory cycle: %v", err)
			}
			if jsonOutput {
				printJSON(map[string]interface{}{
					"ok":                   true,
					"threads_rebuilt":      stats.ThreadsRebuilt,
					"threads_pruned":       stats.ThreadsPruned,
					"contacts_refreshed":   stats.ContactsRefreshed,
					"facts_escalated":      stats.FactsEscalated,
					"nudges_sent":          stats.NudgesSent,
					"observations_expired": stats.ObservationsExpired,
				})
			} else {
				fmt.Printf("✓ Rebuilt %d threads (%d pruned), refreshed %d contacts\n",
					stats.ThreadsRebuilt, stats.ThreadsPruned, stats.ContactsRefreshed)
				fmt.Printf("✓ Escalated %d facts, sent %d nudges, expired %d observations (%s)\n",
					stats.FactsEscalated, stats.NudgesSent, stats.ObservationsExpired,
					stats.Duration.Round(time.Millisecond))
			}
		},
	}
}

func indexCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "index",
		Short: "Run one retrieval-index maintenance pass",
		Run: func(cmd *cobra.Command, args []string) {
			a := openApp()
			defer a.close()

			stats, err := a.indexer.Run(context.Background(), 500)
			if err != nil {
				fail("index pass: %v", err)
			}
			if jsonOutput {
				printJSON(map[string]interface{}{
					"ok":                  true,
					"items_chunked":       stats.ItemsChunked,
					"attachments_chunked": stats.AttachmentsChunked,
					"chunks_embedded":     stats.ChunksEmbedded,
				})
			} else {
				fmt.Printf("✓ Chunked %d items, %d attachments; embedded %d chunks (%s)\n",
					stats.ItemsChunked, stats.AttachmentsChunked, stats.ChunksEmbedded,
					stats.Duration.Round(time.Millisecond))
			}
		},
	}
}

func searchCmd() *cobra.Command {
	var mode string
	var limit int
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search indexed item and attachment content",
		Args:  cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			a := openApp()
			defer a.close()

			query := strings.Join(args, " ")
			results, err := a.searcher.Search(context.Background(), query, index.SearchMode(mode), limit)
			if err != nil {
				fail("search: %v", err)
			}
			if jsonOutput {
				printJSON(map[string]interface{}{"ok": true, "results": results})
				return
			}
			if len(results) == 0 {
				fmt.Println("No results")
				return
			}
			for i, r := range results {
				received := time.Unix(r.ReceivedAt, 0).Format("2006-01-02")
				fmt.Printf("%d. [%.4f] %s — %s (%s)\n   %s\n", i+1, r.Score, r.Subject, r.Sender, received, r.Snippet)
			}
		},
	}
	cmd.Flags().StringVar(&mode, "mode", "hybrid", "Search mode: lexical, vector, or hybrid")
	cmd.Flags().IntVar(&limit, "limit", 10, "Maximum results")
	return cmd
}

func itemsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "items",
		Short: "List recently received items",
		Run: func(cmd *cobra.Command, args []string) {
			a := openApp()
			defer a.close()

			items, err := a.items.ListRecent(context.Background(), limit)
			if err != nil {
				fail("list items: %v", err)
			}
			if jsonOutput {
				type row struct {
					ID        string `json:"id"`
					Sender    string `json:"sender"`
					Subject   string `json:"subject"`
					Urgency   string `json:"urgency,omitempty"`
					Outcome   string `json:"outcome,omitempty"`
					Processed bool   `json:"processed"`
				}
				out := make([]row, 0, len(items))
				for _, it := range items {
					out = append(out, row{
						ID:        it.ID,
						Sender:    it.Sender.String,
						Subject:   it.Subject.String,
						Urgency:   it.Urgency.String,
						Outcome:   it.Outcome.String,
						Processed: it.ProcessedAt.Valid,
					})
				}
				printJSON(map[string]interface{}{"ok": true, "items": out})
				return
			}
			if len(items) == 0 {
				fmt.Println("No items")
				return
			}
			for _, it := range items {
				status := "pending"
				if it.ProcessedAt.Valid {
					status = it.Outcome.String
				}
				urgency := it.Urgency.String
				if urgency == "" {
					urgency = "-"
				}
				fmt.Printf("%-36s  %-9s  %-10s  %s — %s\n", it.ID, status, urgency, it.Sender.String, it.Subject.String)
			}
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum items")
	return cmd
}

func factsCmd() *cobra.Command {
	var factType string
	var limit int
	cmd := &cobra.Command{
		Use:   "facts",
		Short: "List open working-memory facts",
		Run: func(cmd *cobra.Command, args []string) {
			a := openApp()
			defer a.close()

			types := []string{store.FactCommitment, store.FactDecision, store.FactObservation}
			if factType != "" {
				types = []string{factType}
			}
			type row struct {
				ID          string `json:"id"`
				Type        string `json:"type"`
				Description string `json:"description"`
				Urgency     string `json:"urgency"`
				DueBy       string `json:"due_by,omitempty"`
			}
			var out []row
			for _, t := range types {
				facts, err := a.facts.ListOpen(context.Background(), t, limit)
				if err != nil {
					fail("list facts: %v", err)
				}
				for _, f := range facts {
					r := row{ID: f.ID, Type: f.FactType, Description: f.Description, Urgency: f.Urgency}
					if f.DueBy.Valid {
						r.DueBy = time.Unix(f.DueBy.Int64, 0).Format("2006-01-02")
					}
					out = append(out, r)
				}
			}
			if jsonOutput {
				printJSON(map[string]interface{}{"ok": true, "facts": out})
				return
			}
			if len(out) == 0 {
				fmt.Println("No open facts")
				return
			}
			for _, r := range out {
				due := ""
				if r.DueBy != "" {
					due = " (due " + r.DueBy + ")"
				}
				fmt.Printf("%-36s  %-11s  %-9s  %s%s\n", r.ID, r.Type, r.Urgency, r.Description, due)
			}
		},
	}
	cmd.Flags().StringVar(&factType, "type", "", "Filter by fact type: commitment, decision, or observation")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum facts per type")
	return cmd
}

func triggersCmd() *cobra.Command {
	triggersRoot := &cobra.Command{
		Use:   "triggers",
		Short: "Inspect the trigger outbox",
	}

	outbox := func() string {
		cfg, err := config.Load()
		if err != nil {
			fail("failed to load config: %v", err)
		}
		dir, err := cfg.GetOutboxDir()
		if err != nil {
			fail("failed to resolve outbox directory: %v", err)
		}
		return dir
	}

	triggersRoot.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List triggers waiting in the outbox",
		Run: func(cmd *cobra.Command, args []string) {
			consumer := trigger.NewConsumer(outbox())
			pending, err := consumer.Pending()
			if err != nil {
				fail("list triggers: %v", err)
			}
			if jsonOutput {
				printJSON(map[string]interface{}{"ok": true, "pending": pending})
				return
			}
			if len(pending) == 0 {
				fmt.Println("Outbox is empty")
				return
			}
			for _, name := range pending {
				fmt.Println(name)
			}
		},
	})

	triggersRoot.AddCommand(&cobra.Command{
		Use:   "watch",
		Short: "Watch the outbox and report new triggers as they land",
		Run: func(cmd *cobra.Command, args []string) {
			dir := outbox()
			consumer := trigger.NewConsumer(dir)
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			fmt.Printf("watching %s, Ctrl-C to stop\n", dir)
			err := trigger.Watch(ctx, dir, time.Second, func() {
				pending, err := consumer.Pending()
				if err != nil {
					fmt.Fprintf(os.Stderr, "read outbox: %v\n", err)
					return
				}
				for _, name := range pending {
					fmt.Println(name)
				}
			})
			if err != nil {
				fail("watch: %v", err)
			}
		},
	})

	return triggersRoot
}

func prefsCmd() *cobra.Command {
	prefsRoot := &cobra.Command{
		Use:   "prefs",
		Short: "Manage user preferences",
	}

	prefsRoot.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show all preferences",
		Run: func(cmd *cobra.Command, args []string) {
			p, err := prefs.Read()
			if err != nil {
				fail("read preferences: %v", err)
			}
			printJSON(p)
		},
	})

	prefsRoot.AddCommand(&cobra.Command{
		Use:   "set <key> <value>",
		Short: "Set one preference (value parsed as JSON when possible)",
		Args:  cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			key, raw := args[0], args[1]
			var value interface{}
			if err := json.Unmarshal([]byte(raw), &value); err != nil {
				value = raw
			}
			if err := prefs.Set(key, value); err != nil {
				fail("set preference: %v", err)
			}
			if jsonOutput {
				printJSON(map[string]interface{}{"ok": true, "key": key})
			} else {
				fmt.Printf("✓ %s set\n", key)
			}
		},
	})

	return prefsRoot
}
