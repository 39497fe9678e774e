package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ph0rque/MakeDealCRM-sub004/internal/app"
	"github.com/ph0rque/MakeDealCRM-sub004/internal/domain"
	"github.com/ph0rque/MakeDealCRM-sub004/internal/engine"
	"github.com/ph0rque/MakeDealCRM-sub004/internal/repo"
)

func dealCmd() *cobra.Command {
	deal := &cobra.Command{
		Use:   "deal",
		Short: "Create, inspect and move deals",
	}
	deal.AddCommand(dealCreateCmd())
	deal.AddCommand(dealShowCmd())
	deal.AddCommand(dealListCmd())
	deal.AddCommand(dealSetCmd())
	deal.AddCommand(dealMoveCmd())
	deal.AddCommand(dealCheckCmd())
	deal.AddCommand(dealHistoryCmd())
	deal.AddCommand(dealEventsCmd())
	deal.AddCommand(dealTimingCmd())
	return deal
}

func dealCreateCmd() *cobra.Command {
	var opts engine.DealCreateOptions
	var amount, closeDate string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a deal in the initial stage (or --stage)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if amount != "" {
				v, err := decimal.NewFromString(amount)
				if err != nil {
					return fmt.Errorf("invalid --amount %q", amount)
				}
				opts.Amount = v
			}
			if closeDate != "" {
				d, err := time.Parse(domain.DateLayout, closeDate)
				if err != nil {
					return fmt.Errorf("invalid --expected-close %q, want YYYY-MM-DD", closeDate)
				}
				opts.ExpectedCloseDate = &d
			}
			opts.ActorID = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.CreateDeal(ctx, opts)
				if err != nil {
					return err
				}
				return printDeal(e, d)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "deal id (default: generated)")
	cmd.Flags().StringVar(&opts.Name, "name", "", "deal name")
	cmd.Flags().StringVar(&opts.Stage, "stage", "", "starting stage")
	cmd.Flags().StringVar(&amount, "amount", "", "deal amount")
	cmd.Flags().IntVar(&opts.Probability, "probability", 0, "win probability 0..100")
	cmd.Flags().StringVar(&opts.AssignedUserID, "assigned-user", "", "owning user id")
	cmd.Flags().StringVar(&opts.AccountID, "account", "", "account id")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().StringVar(&closeDate, "expected-close", "", "expected close date (YYYY-MM-DD)")
	cmd.Flags().StringToStringVar(&opts.Fields, "field", nil, "custom field key=value (repeatable)")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func dealShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <deal-id>",
		Short: "Show a deal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.Repo.GetDeal(ctx, nil, args[0])
				if err != nil {
					return err
				}
				return printDeal(e, d)
			})
		},
	}
}

func dealListCmd() *cobra.Command {
	var f repo.DealFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List deals",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				deals, err := e.Repo.ListDeals(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(deals)
				}
				tw := newTable("ID", "Name", "Stage", "Amount", "Assigned", "Days", "Alert")
				for _, d := range deals {
					timing := e.TimeInStage(d)
					tw.AppendRow(table.Row{d.ID, d.Name, stageLabel(e.Config, d.Stage), d.Amount.StringFixed(2), d.AssignedUserID, timing.Days, levelLabel(timing.Level)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Stage, "stage", "", "stage filter")
	cmd.Flags().StringVar(&f.AssignedUserID, "assigned-user", "", "assigned user filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 100, "maximum rows")
	return cmd
}

func dealSetCmd() *cobra.Command {
	var fields map[string]string
	cmd := &cobra.Command{
		Use:   "set <deal-id>",
		Short: "Set custom fields such as approvals; an empty value clears the field",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.SetDealFields(ctx, args[0], fields, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printDeal(e, d)
			})
		},
	}
	cmd.Flags().StringToStringVar(&fields, "field", nil, "custom field key=value (repeatable)")
	_ = cmd.MarkFlagRequired("field")
	return cmd
}

func dealMoveCmd() *cobra.Command {
	var opts engine.TransitionOptions
	cmd := &cobra.Command{
		Use:   "move <deal-id> <to-stage>",
		Short: "Move a deal to another stage",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.DealID = args[0]
			opts.ToStage = args[1]
			opts.ActorID = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.Transition(ctx, opts)
				if viper.GetBool("json") {
					if perr := printJSON(res); perr != nil {
						return perr
					}
					return err
				}
				var notAllowed *engine.TransitionNotAllowedError
				if errors.As(err, &notAllowed) {
					fmt.Printf("Transition %s rejected:\n", res.TransitionID)
					for _, msg := range notAllowed.Errors {
						fmt.Printf("  - %s\n", msg)
					}
					return err
				}
				if err != nil {
					return err
				}
				fmt.Printf("Moved %s: %s -> %s (transition %s)\n", res.DealID,
					stageLabel(e.Config, res.FromStage), stageLabel(e.Config, res.ToStage), res.TransitionID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&opts.FromStage, "from", "", "expected current stage")
	cmd.Flags().StringVar(&opts.Reason, "reason", "", "reason recorded in the audit trail")
	return cmd
}

func dealCheckCmd() *cobra.Command {
	var from string
	cmd := &cobra.Command{
		Use:   "check <deal-id> <to-stage>",
		Short: "Validate a move without applying it",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.Repo.GetDeal(ctx, nil, args[0])
				if err != nil {
					return err
				}
				res, err := e.ValidateTransition(ctx, nil, d, from, args[1], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				if res.Valid {
					fmt.Printf("%s can move to %s\n", d.ID, stageLabel(e.Config, args[1]))
					return nil
				}
				fmt.Printf("%s cannot move to %s:\n", d.ID, stageLabel(e.Config, args[1]))
				for _, msg := range res.Errors {
					fmt.Printf("  - %s\n", msg)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "expected current stage")
	return cmd
}

func dealHistoryCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history <deal-id>",
		Short: "Show the transition audit trail, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				recs, err := e.TransitionHistory(ctx, args[0], limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(recs)
				}
				tw := newTable("When", "From", "To", "Status", "Actor", "ID")
				for _, r := range recs {
					tw.AppendRow(table.Row{r.TS, r.FromStage, r.ToStage, r.Status, r.ActorID, r.ID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum records")
	return cmd
}

func dealEventsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "events <deal-id>",
		Short: "Show the deal's event log, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				evts, err := e.DealEvents(ctx, args[0], limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(evts)
				}
				tw := newTable("When", "Type", "Actor", "Payload")
				for _, ev := range evts {
					tw.AppendRow(table.Row{ev.TS, ev.Type, ev.ActorID, ev.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum events")
	return cmd
}

func dealTimingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "timing <deal-id>",
		Short: "Show time in the current stage and the next threshold",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.Repo.GetDeal(ctx, nil, args[0])
				if err != nil {
					return err
				}
				t := e.TimeInStage(d)
				if viper.GetBool("json") {
					return printJSON(t)
				}
				next := "-"
				if t.Next != nil {
					next = fmt.Sprintf("%s in %d days", levelLabel(t.Next.Level), t.Next.DaysRemaining)
				}
				tw := newTable("Deal", "Stage", "Entered", "Days", "Hours", "Alert", "Next")
				tw.AppendRow(table.Row{d.ID, stageLabel(e.Config, t.Stage), t.EnteredAt.Format(time.RFC3339), t.Days, fmt.Sprintf("%.1f", t.Hours), levelLabel(t.Level), next})
				tw.Render()
				return nil
			})
		},
	}
}

func printDeal(e engine.Engine, d domain.Deal) error {
	if viper.GetBool("json") {
		return printJSON(d)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendRow(table.Row{"ID", d.ID})
	tw.AppendRow(table.Row{"Name", d.Name})
	tw.AppendRow(table.Row{"Stage", stageLabel(e.Config, d.Stage)})
	tw.AppendRow(table.Row{"Sales Stage", d.SalesStage})
	tw.AppendRow(table.Row{"Amount", d.Amount.StringFixed(2)})
	tw.AppendRow(table.Row{"Probability", d.Probability})
	tw.AppendRow(table.Row{"Assigned", d.AssignedUserID})
	tw.AppendRow(table.Row{"Account", d.AccountID})
	if d.ExpectedCloseDate != nil {
		tw.AppendRow(table.Row{"Expected Close", d.ExpectedCloseDate.Format(domain.DateLayout)})
	}
	keys := make([]string, 0, len(d.Fields))
	for k := range d.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		tw.AppendRow(table.Row{"field:" + k, d.Fields[k]})
	}
	tw.Render()
	return nil
}

func templateCmd() *cobra.Command {
	tmpl := &cobra.Command{Use: "template", Short: "Manage task templates"}
	tmpl.AddCommand(&cobra.Command{
		Use:   "import <file>",
		Short: "Import a YAML or JSON task template, replacing any with the same id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			t, err := engine.ParseTemplate(data)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				saved, err := e.ImportTemplate(ctx, t, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(saved)
				}
				fmt.Printf("imported template %s (%d tasks)\n", saved.ID, len(saved.Tasks))
				return nil
			})
		},
	})
	tmpl.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List task templates",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListTemplates(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Name", "Category", "Tasks")
				for _, t := range items {
					tw.AppendRow(table.Row{t.ID, t.Name, t.Category, len(t.Tasks)})
				}
				tw.Render()
				return nil
			})
		},
	})
	return tmpl
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{Use: "task", Short: "Generate and list deal tasks"}
	var opts engine.GenerateOptions
	var baseDate string
	gen := &cobra.Command{
		Use:   "generate <deal-id> <template-id>",
		Short: "Generate tasks for a deal from a template",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.DealID = args[0]
			opts.TemplateID = args[1]
			opts.ActorID = viper.GetString("actor-id")
			if baseDate != "" {
				d, err := time.Parse(domain.DateLayout, baseDate)
				if err != nil {
					return fmt.Errorf("invalid --base-date %q, want YYYY-MM-DD", baseDate)
				}
				opts.BaseDate = &d
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.GenerateTasks(ctx, opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				printTasks(res.Tasks)
				for _, w := range res.Warnings {
					fmt.Printf("warning: %s\n", w)
				}
				return nil
			})
		},
	}
	gen.Flags().StringVar(&baseDate, "base-date", "", "date used for the \"now\" due base (YYYY-MM-DD)")
	task.AddCommand(gen)
	task.AddCommand(&cobra.Command{
		Use:   "list <deal-id>",
		Short: "List a deal's tasks by due date",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListTasks(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				printTasks(items)
				return nil
			})
		},
	})
	return task
}

func printTasks(tasks []domain.Task) {
	tw := newTable("#", "Name", "Due", "Assigned", "Status", "Adjusted")
	for _, t := range tasks {
		adjusted := ""
		if t.ScheduleAdjusted {
			adjusted = t.AdjustmentReason
		}
		tw.AppendRow(table.Row{t.Position, t.Name, t.DueDate.Format(domain.DateLayout), t.AssignedUserID, t.Status, adjusted})
	}
	tw.Render()
}

func alertCmd() *cobra.Command {
	alert := &cobra.Command{Use: "alert", Short: "Time-in-stage alerts"}
	alert.AddCommand(&cobra.Command{
		Use:   "sweep",
		Short: "Run one alert sweep over all active deals",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				sum, err := app.RunSweep(ctx, viper.GetString("workspace"), e)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(sum)
				}
				fmt.Printf("sweep %s: %d deals, %d alerts, %d skipped, %d delivery failures\n",
					sum.SweepID, sum.Processed, sum.AlertsSent, sum.Skipped, sum.Failures)
				if len(sum.Alerts) > 0 {
					tw := newTable("Deal", "Stage", "Level", "Days", "Recipients", "Sent")
					for _, a := range sum.Alerts {
						tw.AppendRow(table.Row{a.DealID, stageLabel(e.Config, a.Stage), levelLabel(a.Level), a.DaysInStage, len(a.Recipients), a.NotificationsSent})
					}
					tw.Render()
				}
				return nil
			})
		},
	})
	var days int
	approaching := &cobra.Command{
		Use:   "approaching",
		Short: "List deals about to cross their next threshold",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ApproachingThresholds(ctx, days)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("Deal", "Name", "Stage", "Days", "Current", "Next", "In")
				for _, t := range items {
					tw.AppendRow(table.Row{t.DealID, t.DealName, stageLabel(e.Config, t.Stage), t.Days, levelLabel(t.Level), levelLabel(t.Next.Level), t.Next.DaysRemaining})
				}
				tw.Render()
				return nil
			})
		},
	}
	approaching.Flags().IntVar(&days, "days", 2, "look-ahead in days")
	alert.AddCommand(approaching)
	return alert
}

func statsCmd() *cobra.Command {
	var f engine.StatsFilter
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Time-in-stage statistics for active deals",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				stats, err := e.StageStatistics(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(stats)
				}
				fmt.Printf("Active deals: %d\n", stats.TotalDeals)
				for _, l := range append([]domain.AlertLevel{domain.AlertNormal}, domain.AlertLevels...) {
					fmt.Printf("  %-8s %d\n", levelLabel(l)+":", stats.AlertSummary[l])
				}
				tw := newTable("Stage", "Deals", "Avg Days", "Median", "Min", "Max", "Within SLA", "Near", "Over", "Longest")
				for _, st := range e.Config.Pipeline.Stages {
					dur, ok := stats.Durations[st.Key]
					if !ok {
						continue
					}
					sla := stats.SLA[st.Key]
					longest := stats.Longest[st.Key]
					tw.AppendRow(table.Row{
						stageLabel(e.Config, st.Key), dur.Count,
						fmt.Sprintf("%.1f", dur.Average), fmt.Sprintf("%.1f", dur.Median), dur.Min, dur.Max,
						fmt.Sprintf("%.1f%%", sla.WithinPercent), fmt.Sprintf("%.1f%%", sla.NearPercent), fmt.Sprintf("%.1f%%", sla.OverPercent),
						longest.DealName,
					})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Stage, "stage", "", "stage filter")
	cmd.Flags().StringVar(&f.AssignedUserID, "assigned-user", "", "assigned user filter")
	return cmd
}
