package main

import (
	"context"
	"fmt"
	"sort"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"dairyline/internal/domain"
	"dairyline/internal/engine"
	"dairyline/internal/engine/pipeline"
	"dairyline/internal/repo"
)

func formCmd() *cobra.Command {
	form := &cobra.Command{
		Use:   "form",
		Short: "Log and move forms through their lifecycle",
		Long:  "Forms go pending -> active (save) -> completed (complete); fail moves pending or active forms to error and save recovers them.",
	}
	form.AddCommand(formCreateCmd())
	form.AddCommand(formListCmd())
	form.AddCommand(formGetCmd())
	form.AddCommand(formUpdateCmd())
	form.AddCommand(formSaveCmd())
	form.AddCommand(formCompleteCmd())
	form.AddCommand(formFailCmd())
	form.AddCommand(formApproveCmd())
	form.AddCommand(formDeleteCmd())
	return form
}

func formCreateCmd() *cobra.Command {
	var opts engine.FormCreateOptions
	var priority string
	var meta []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Log a new pending form",
		RunE: func(cmd *cobra.Command, args []string) error {
			metadata, err := parseMetadata(meta)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts.Priority = domain.Priority(priority)
				opts.Metadata = metadata
				opts.ActorID = viper.GetString("actor-id")
				f, err := e.CreateForm(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(f)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "form id (generated when empty)")
	cmd.Flags().StringVar(&opts.Type, "type", "", "form type, e.g. lab-forms")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Operator, "operator", "", "operator (defaults to --actor-id)")
	cmd.Flags().StringVar(&opts.ProcessStep, "step", "", "process step id")
	cmd.Flags().StringVar(&priority, "priority", "", "low, medium or high")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().StringArrayVar(&meta, "meta", nil, "metadata key=value (repeatable)")
	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func formListCmd() *cobra.Command {
	var f repo.FormFilters
	var asUser string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List forms, most recently updated first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				f.PlantID = e.Config.Plant.ID
				forms, err := e.Repo.ListForms(ctx, f)
				if err != nil {
					return err
				}
				if asUser != "" {
					if forms, err = e.VisibleForms(ctx, asUser, forms); err != nil {
						return err
					}
				}
				if viper.GetBool("json") {
					return printJSON(forms)
				}
				tw := newTable("ID", "Type", "Title", "Status", "Step", "Operator", "Priority", "Updated")
				for _, form := range forms {
					tw.AppendRow(table.Row{form.ID, form.Type, form.Title, form.Status, form.ProcessStep, form.Operator, form.Priority, form.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Type, "type", "", "form type filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.Operator, "operator", "", "operator filter")
	cmd.Flags().StringVar(&f.ProcessStep, "step", "", "process step filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "maximum number of forms")
	cmd.Flags().StringVar(&asUser, "as", "", "only show forms this user may view")
	return cmd
}

func formGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show a form and its approvals",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				f, err := r.GetForm(ctx, args[0])
				if err != nil {
					return err
				}
				approvals, err := r.ListApprovals(ctx, f.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(struct {
					domain.FormRecord
					Approvals []domain.Approval `json:"approvals"`
				}{FormRecord: f, Approvals: approvals})
			})
		},
	}
}

func formUpdateCmd() *cobra.Command {
	var title, description, operator, step, priority, status string
	var meta, unset []string
	var force bool
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Edit fields or set the status directly",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			metadata, err := parseMetadata(meta)
			if err != nil {
				return err
			}
			for _, k := range unset {
				if metadata == nil {
					metadata = map[string]any{}
				}
				metadata[k] = nil
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				f, err := e.UpdateForm(ctx, engine.FormUpdateOptions{
					ID:          args[0],
					Title:       optionalString(cmd, "title", title),
					Description: optionalString(cmd, "description", description),
					Operator:    optionalString(cmd, "operator", operator),
					ProcessStep: optionalString(cmd, "step", step),
					Priority:    domain.Priority(priority),
					Status:      domain.Status(status),
					Metadata:    metadata,
					ActorID:     viper.GetString("actor-id"),
					Force:       force,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(f)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "title")
	cmd.Flags().StringVar(&description, "description", "", "description")
	cmd.Flags().StringVar(&operator, "operator", "", "operator")
	cmd.Flags().StringVar(&step, "step", "", "process step id")
	cmd.Flags().StringVar(&priority, "priority", "", "low, medium or high")
	cmd.Flags().StringVar(&status, "status", "", "pending, active, completed or error")
	cmd.Flags().StringArrayVar(&meta, "meta", nil, "metadata key=value to merge (repeatable)")
	cmd.Flags().StringArrayVar(&unset, "unset", nil, "metadata key to remove (repeatable)")
	cmd.Flags().BoolVar(&force, "force", false, "skip status transition checks")
	return cmd
}

func formTransitionCmd(use, short string, act func(ctx context.Context, e engine.Engine, id, actor string) (domain.FormRecord, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				f, err := act(ctx, e, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(f)
			})
		},
	}
}

func formSaveCmd() *cobra.Command {
	return formTransitionCmd("save", "Start work on a pending form, or recover an errored one", func(ctx context.Context, e engine.Engine, id, actor string) (domain.FormRecord, error) {
		return e.SaveForm(ctx, id, actor)
	})
}

func formCompleteCmd() *cobra.Command {
	return formTransitionCmd("complete", "Mark an active form completed", func(ctx context.Context, e engine.Engine, id, actor string) (domain.FormRecord, error) {
		return e.CompleteForm(ctx, id, actor)
	})
}

func formFailCmd() *cobra.Command {
	var reason string
	cmd := formTransitionCmd("fail", "Flag a form as errored", func(ctx context.Context, e engine.Engine, id, actor string) (domain.FormRecord, error) {
		return e.FailForm(ctx, id, reason, actor)
	})
	cmd.Flags().StringVar(&reason, "reason", "", "stored as metadata error_reason")
	return cmd
}

func formApproveCmd() *cobra.Command {
	var reject bool
	var comment string
	cmd := &cobra.Command{
		Use:   "approve <id>",
		Short: "Record a QA decision on a completed form",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			decision := domain.DecisionApproved
			if reject {
				decision = domain.DecisionRejected
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, f, err := e.RecordApproval(ctx, args[0], viper.GetString("actor-id"), decision, comment)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"approval": a, "form": f})
			})
		},
	}
	cmd.Flags().BoolVar(&reject, "reject", false, "reject instead of approve; the form moves to error")
	cmd.Flags().StringVar(&comment, "comment", "", "comment")
	return cmd
}

func formDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a form",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.DeleteForm(ctx, args[0], viper.GetString("actor-id")); err != nil {
					return err
				}
				fmt.Printf("deleted form %s\n", args[0])
				return nil
			})
		},
	}
}

func dashboardCmd() *cobra.Command {
	var f engine.DashboardFilters
	cmd := &cobra.Command{
		Use:   "dashboard",
		Short: "Status metrics over the plant's forms",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.Dashboard(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(m)
				}
				tw := newTable("Metric", "Value")
				tw.AppendRows([]table.Row{
					{"Total", m.TotalForms},
					{"Pending", m.PendingForms},
					{"Active", m.ActiveForms},
					{"Completed", m.CompletedForms},
					{"Error", m.ErrorForms},
					{"Completion rate %", m.CompletionRate},
					{"Avg processing hours", m.AverageProcessingTime},
				})
				tw.Render()

				ops := make([]string, 0, len(m.OperatorEfficiency))
				for op := range m.OperatorEfficiency {
					ops = append(ops, op)
				}
				sort.Strings(ops)
				eff := newTable("Operator", "Efficiency %")
				for _, op := range ops {
					eff.AppendRow(table.Row{op, m.OperatorEfficiency[op]})
				}
				eff.Render()

				trends := newTable("Date", "Created", "Completed", "Errors")
				for _, d := range m.DailyTrends {
					trends.AppendRow(table.Row{d.Date, d.Created, d.Completed, d.Errors})
				}
				trends.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Type, "type", "", "form type filter")
	cmd.Flags().StringVar(&f.Operator, "operator", "", "operator filter")
	cmd.Flags().StringVar(&f.ProcessStep, "step", "", "process step filter")
	return cmd
}

func pipelineCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pipeline",
		Short: "Process steps with the status derived from their forms",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				steps, err := e.Pipeline(ctx, "")
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(steps)
				}
				tw := newTable("Step", "Name", "Form type", "Status", "Operator", "Updated")
				for _, s := range steps {
					tw.AppendRow(table.Row{s.ID, s.Name, s.FormType, s.Status, s.Operator, s.Timestamp})
				}
				summary := pipeline.Summary(steps)
				tw.AppendFooter(table.Row{"", "", "", fmt.Sprintf("%d active, %d completed, %d error, %d pending",
					summary[domain.StatusActive], summary[domain.StatusCompleted], summary[domain.StatusError], summary[domain.StatusPending])})
				tw.Render()
				return nil
			})
		},
	}
}
