package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/mossleigh/steward/internal/alerts"
)

func rulesCmd() *cobra.Command {
	rulesRoot := &cobra.Command{
		Use:   "rules",
		Short: "Manage alert rules",
	}
	rulesRoot.AddCommand(rulesAddCmd())
	rulesRoot.AddCommand(rulesListCmd())
	rulesRoot.AddCommand(rulesShowCmd())
	rulesRoot.AddCommand(rulesEnableCmd(true))
	rulesRoot.AddCommand(rulesEnableCmd(false))
	rulesRoot.AddCommand(rulesDeleteCmd())
	rulesRoot.AddCommand(rulesHistoryCmd())
	return rulesRoot
}

func rulesAddCmd() *cobra.Command {
	var (
		conditionsJSON string
		eventTypes     []string
		channel        string
		target         string
		cooldown       int
		semantic       bool
	)
	cmd := &cobra.Command{
		Use:   "add <rule text>",
		Short: "Add an alert rule",
		Long: `Add an alert rule. The rule text describes the intent; --conditions
carries the structured condition set as JSON, for example:

  steward rules add "emails from my manager about the launch" \
    --events email_received \
    --conditions '{"sender_patterns":["boss@example.com"],"subject_keywords":["launch"]}'

Without --conditions the rule text itself is the condition, matched
semantically when a matcher is configured.`,
		Args: cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			a := openApp()
			defer a.close()

			ruleText := strings.Join(args, " ")
			var conditions alerts.Conditions
			switch {
			case conditionsJSON != "":
				if err := json.Unmarshal([]byte(conditionsJSON), &conditions); err != nil {
					fail("invalid --conditions: %v", err)
				}
			case a.ruleParser != nil:
				parsed, events, err := a.ruleParser.ParseRule(context.Background(), ruleText)
				if err != nil {
					fail("parse rule text: %v", err)
				}
				conditions = parsed
				if !cmd.Flags().Changed("events") && len(events) > 0 {
					eventTypes = events
				}
			default:
				// No structured conditions and no parser: the rule text is
				// the whole condition, so it must match semantically.
				conditions.RequiresSemanticMatch = true
			}
			if semantic {
				conditions.RequiresSemanticMatch = true
			}
			in := alerts.RuleInput{
				RuleText:        ruleText,
				Conditions:      conditions,
				EventTypes:      eventTypes,
				Channel:         channel,
				ChannelTarget:   target,
				CooldownMinutes: cooldown,
				Enabled:         true,
			}
			id, err := a.rules.Create(context.Background(), in)
			if err != nil {
				fail("create rule: %v", err)
			}
			if jsonOutput {
				printJSON(map[string]interface{}{"ok": true, "id": id})
			} else {
				fmt.Printf("✓ Rule created: %s\n", id)
			}
		},
	}
	cmd.Flags().StringVar(&conditionsJSON, "conditions", "", "Structured conditions as JSON")
	cmd.Flags().StringSliceVar(&eventTypes, "events", []string{alerts.EventEmailReceived}, "Event types the rule subscribes to")
	cmd.Flags().StringVar(&channel, "channel", "", "Delivery channel (default teams)")
	cmd.Flags().StringVar(&target, "target", "", "Channel target (chat or webhook id)")
	cmd.Flags().IntVar(&cooldown, "cooldown", 30, "Cooldown between firings, in minutes")
	cmd.Flags().BoolVar(&semantic, "semantic", false, "Require a semantic match on the rule text")
	return cmd
}

func rulesListCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List alert rules",
		Run: func(cmd *cobra.Command, args []string) {
			a := openApp()
			defer a.close()

			rules, err := a.rules.List(context.Background(), !all)
			if err != nil {
				fail("list rules: %v", err)
			}
			if jsonOutput {
				type row struct {
					ID           string `json:"id"`
					RuleText     string `json:"rule_text"`
					Enabled      bool   `json:"enabled"`
					TriggerCount int    `json:"trigger_count"`
					Channel      string `json:"channel"`
				}
				out := make([]row, 0, len(rules))
				for _, r := range rules {
					out = append(out, row{ID: r.ID, RuleText: r.RuleText, Enabled: r.Enabled,
						TriggerCount: r.TriggerCount, Channel: r.Channel})
				}
				printJSON(map[string]interface{}{"ok": true, "rules": out})
				return
			}
			if len(rules) == 0 {
				fmt.Println("No rules")
				return
			}
			for _, r := range rules {
				state := "enabled"
				if !r.Enabled {
					state = "disabled"
				}
				fmt.Printf("%-36s  %-8s  fired %3d  %s\n", r.ID, state, r.TriggerCount, r.RuleText)
			}
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "Include disabled rules")
	return cmd
}

func rulesShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <rule-id>",
		Short: "Show one alert rule",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			a := openApp()
			defer a.close()

			r, err := a.rules.Get(context.Background(), args[0])
			if err != nil {
				fail("get rule: %v", err)
			}
			out := map[string]interface{}{
				"ok":               true,
				"id":               r.ID,
				"rule_text":        r.RuleText,
				"conditions":       r.Conditions(),
				"event_types":      r.EventTypes(),
				"channel":          r.Channel,
				"channel_target":   r.ChannelTarget.String,
				"cooldown_minutes": r.CooldownMinutes,
				"enabled":          r.Enabled,
				"trigger_count":    r.TriggerCount,
			}
			if r.LastTriggeredAt.Valid {
				out["last_triggered_at"] = time.Unix(r.LastTriggeredAt.Int64, 0).Format(time.RFC3339)
			}
			printJSON(out)
		},
	}
}

func rulesEnableCmd(enable bool) *cobra.Command {
	use, short := "enable <rule-id>", "Enable an alert rule"
	if !enable {
		use, short = "disable <rule-id>", "Disable an alert rule"
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			a := openApp()
			defer a.close()

			if err := a.rules.SetEnabled(context.Background(), args[0], enable); err != nil {
				fail("update rule: %v", err)
			}
			if jsonOutput {
				printJSON(map[string]interface{}{"ok": true, "id": args[0], "enabled": enable})
			} else if enable {
				fmt.Println("✓ Rule enabled")
			} else {
				fmt.Println("✓ Rule disabled")
			}
		},
	}
}

func rulesDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <rule-id>",
		Short: "Delete an alert rule and its history",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			a := openApp()
			defer a.close()

			if err := a.rules.Delete(context.Background(), args[0]); err != nil {
				fail("delete rule: %v", err)
			}
			if jsonOutput {
				printJSON(map[string]interface{}{"ok": true, "id": args[0]})
			} else {
				fmt.Println("✓ Rule deleted")
			}
		},
	}
}

func rulesHistoryCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history <rule-id>",
		Short: "Show recent firings of one rule",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			a := openApp()
			defer a.close()

			firings, err := a.rules.History(context.Background(), args[0], limit)
			if err != nil {
				fail("rule history: %v", err)
			}
			if jsonOutput {
				type row struct {
					EventType   string `json:"event_type"`
					EventID     string `json:"event_id"`
					MatchReason string `json:"match_reason,omitempty"`
					TriggeredAt string `json:"triggered_at"`
				}
				out := make([]row, 0, len(firings))
				for _, f := range firings {
					out = append(out, row{
						EventType:   f.EventType,
						EventID:     f.EventID,
						MatchReason: f.MatchReason.String,
						TriggeredAt: time.Unix(f.TriggeredAt, 0).Format(time.RFC3339),
					})
				}
				printJSON(map[string]interface{}{"ok": true, "firings": out})
				return
			}
			if len(firings) == 0 {
				fmt.Println("No firings")
				return
			}
			for _, f := range firings {
				fmt.Printf("%s  %-20s  %s  %s\n",
					time.Unix(f.TriggeredAt, 0).Format("2006-01-02 15:04"),
					f.EventType, f.EventID, f.MatchReason.String)
			}
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum firings")
	return cmd
}
