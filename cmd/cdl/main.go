package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"crowdline/internal/app"
	"crowdline/internal/config"
	"crowdline/internal/db"
	"crowdline/internal/domain"
	"crowdline/internal/engine"
	"crowdline/internal/ledger"
	"crowdline/internal/migrate"
	"crowdline/internal/notify"
	"crowdline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "cdl",
	Short: "Crowdline CLI",
	Long: `Crowdline coordinates human annotation work across many contributors.
Core concepts:
- Workspace: your .crowdline directory with the ledger database; workflow
  configs live in the DB and are imported explicitly.
- Workflow: the scope that owns items, contributors, and policy (review depth,
  lease TTL, quality threshold, skill catalog).
- Work items: units of work that flow unassigned -> assigned -> locked ->
  submitted -> in_review -> approved (rejected is the parking state).
- Assignment: auto mode picks the least loaded active contributor whose skills
  cover the item; manual mode targets a named contributor.
- Leases: short-lived exclusive claims so only one contributor edits an item
  at a time; they expire on their own, no cleanup needed.
- Versions: every submission is kept as an immutable numbered version.
- Reviews: each submission climbs N approval levels; a rejection sends the
  item back to its original contributor with a reason.
- Conflicts: divergent versions of the same item are detected and settled by
  majority vote or an arbiter.
- Quality: accuracy = approved / reviewed; contributors below threshold are
  held out of auto-assignment until they recover.
- Event log: diary of every change, view with 'cdl events tail'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("CROWDLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("workflow", "", "workflow id (overrides config default)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("workflow", rootCmd.PersistentFlags().Lookup("workflow"))
}

func registerCommands() {
	rootCmd.AddCommand(workflowCmd())
	rootCmd.AddCommand(contributorCmd())
	rootCmd.AddCommand(itemCmd())
	rootCmd.AddCommand(assignCmd())
	rootCmd.AddCommand(unassignCmd())
	rootCmd.AddCommand(leaseCmd())
	rootCmd.AddCommand(submitCmd())
	rootCmd.AddCommand(reviewCmd())
	rootCmd.AddCommand(conflictCmd())
	rootCmd.AddCommand(qualityCmd())
	rootCmd.AddCommand(eventsCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
}

// --- workflow ---

func workflowCmd() *cobra.Command {
	wf := &cobra.Command{Use: "workflow", Short: "Manage workflows"}
	wf.AddCommand(workflowCreateCmd())
	wf.AddCommand(workflowListCmd())
	wf.AddCommand(workflowShowCmd())
	wf.AddCommand(workflowStatusCmd())
	wf.AddCommand(workflowUseCmd())
	wf.AddCommand(workflowConfigCmd())
	return wf
}

func workflowCreateCmd() *cobra.Command {
	var id, name, desc string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create workflow",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				return fmt.Errorf("--id required")
			}
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg := config.Default(id)
			e := engine.New(conn, cfg)
			w, err := e.InitWorkflow(cmd.Context(), engine.WorkflowInitOptions{
				ID:          id,
				Name:        name,
				Description: desc,
				ActorID:     viper.GetString("actor-id"),
			})
			if err != nil {
				return err
			}
			return printJSONOrTable(w)
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "workflow id")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func workflowListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List workflows",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLedger(cmd.Context(), func(ctx context.Context, l ledger.Ledger) error {
				ws, err := l.ListWorkflows(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(ws)
			})
		},
	}
}

func workflowShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show a workflow",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				w, err := e.Ledger.GetWorkflow(ctx, e.Config.Workflow.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(w)
			})
		},
	}
}

func workflowStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show workflow status",
		Long:  "The scoreboard for a workflow: item counts by state, pending reviews, and unresolved conflicts.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				workflowID := e.Config.Workflow.ID
				w, err := e.Ledger.GetWorkflow(ctx, workflowID)
				if err != nil {
					return err
				}
				counts, err := e.Ledger.CountItemsByState(ctx, workflowID)
				if err != nil {
					return err
				}
				pending, err := e.Ledger.CountPendingReviews(ctx, workflowID)
				if err != nil {
					return err
				}
				unresolved, err := e.Ledger.CountUnresolvedConflicts(ctx, workflowID)
				if err != nil {
					return err
				}
				out := map[string]any{
					"workflow_id":          w.ID,
					"status":               w.Status,
					"item_counts":          counts,
					"pending_reviews":      pending,
					"unresolved_conflicts": unresolved,
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Printf("Workflow: %s (%s)\n", w.ID, w.Status)
				fmt.Println("Items:")
				for state, c := range counts {
					fmt.Printf("  %s: %d\n", state, c)
				}
				fmt.Printf("Pending reviews: %d\n", pending)
				fmt.Printf("Unresolved conflicts: %d\n", unresolved)
				return nil
			})
		},
	}
}

func workflowUseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "use <id>",
		Short: "Set current workflow for this workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			workflowID := strings.TrimSpace(args[0])
			if workflowID == "" {
				return fmt.Errorf("workflow id is required")
			}
			workspace := viper.GetString("workspace")
			if err := setEnvValue(filepath.Join(workspace, ".env"), "CROWDLINE_WORKFLOW", workflowID); err != nil {
				return err
			}
			fmt.Printf("Set CROWDLINE_WORKFLOW=%s in %s/.env\n", workflowID, workspace)
			return nil
		},
	}
}

func workflowConfigCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage workflow config"}
	cfg.AddCommand(workflowConfigShowCmd())
	cfg.AddCommand(workflowConfigImportCmd())
	cfg.AddCommand(workflowConfigValidateCmd())
	return cfg
}

func workflowConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show workflow config stored in DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	}
}

func workflowConfigImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import workflow config from YAML into the DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromFile(filePath)
			if err != nil {
				return err
			}
			workflowID := cfg.Workflow.ID
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if workflowID == "" {
					workflowID = e.Config.Workflow.ID
				}
				if err := e.ImportWorkflowConfig(ctx, workflowID, cfg, viper.GetString("actor-id")); err != nil {
					return err
				}
				return printJSONOrTable(cfg)
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to YAML config")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func workflowConfigValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate stored config",
		RunE: func(cmd *cobra.Command, args []string) error {
			err := withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Config.Validate()
			})
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
}

// --- contributor ---

func contributorCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "contributor",
		Short: "Manage contributors",
		Long:  "Contributors are the people doing and reviewing work. Their skills gate what they can be auto-assigned, and their accuracy feeds back into the ranking.",
	}
	c.AddCommand(contributorRegisterCmd())
	c.AddCommand(contributorListCmd())
	c.AddCommand(contributorShowCmd())
	c.AddCommand(contributorSuspendCmd())
	c.AddCommand(contributorReinstateCmd())
	c.AddCommand(contributorSkillsCmd())
	c.AddCommand(contributorQueueCmd())
	return c
}

func contributorRegisterCmd() *cobra.Command {
	var opts engine.ContributorRegisterOptions
	var skills []string
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register a contributor",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			opts.Skills = skills
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if opts.WorkflowID == "" {
					opts.WorkflowID = e.Config.Workflow.ID
				}
				c, err := e.RegisterContributor(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "contributor id (optional, deterministic UUID if omitted)")
	cmd.Flags().StringVar(&opts.WorkflowID, "workflow", "", "workflow id")
	cmd.Flags().StringVar(&opts.Name, "name", "", "display name")
	cmd.Flags().StringArrayVar(&skills, "skill", []string{}, "skill from the workflow catalog (repeatable)")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func contributorListCmd() *cobra.Command {
	var f ledger.ContributorFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List contributors",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if f.WorkflowID == "" {
					f.WorkflowID = e.Config.Workflow.ID
				}
				cs, err := e.Ledger.ListContributors(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(cs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Status", "Skills", "Accuracy", "Hold"})
				for _, c := range cs {
					tw.AppendRow(table.Row{c.ID, c.Name, c.Status, strings.Join(c.Skills, ","), fmt.Sprintf("%.2f", c.Accuracy), c.QualityHold})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.WorkflowID, "workflow", "", "workflow id")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	return cmd
}

func contributorShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a contributor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.Ledger.GetContributor(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
}

func contributorSuspendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "suspend <id>",
		Short: "Suspend a contributor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.SuspendContributor(ctx, id, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
}

func contributorReinstateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reinstate <id>",
		Short: "Reinstate a suspended contributor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.ReinstateContributor(ctx, id, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
}

func contributorSkillsCmd() *cobra.Command {
	var skills []string
	cmd := &cobra.Command{
		Use:   "set-skills <id>",
		Short: "Replace a contributor's skill set",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.SetContributorSkills(ctx, id, skills, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringArrayVar(&skills, "skill", []string{}, "skill (repeatable)")
	return cmd
}

func contributorQueueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "queue <id>",
		Short: "Show a contributor's pending items",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.PendingItems(ctx, id)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				printItemTable(items)
				return nil
			})
		},
	}
}

// --- item ---

func itemCmd() *cobra.Command {
	item := &cobra.Command{
		Use:   "item",
		Short: "Manage work items",
		Long:  "Work items are the units of annotation work. They flow unassigned -> assigned -> locked -> submitted -> in_review -> approved; rejected parks items whose contributor is gone.",
	}
	item.AddCommand(itemCreateCmd())
	item.AddCommand(itemListCmd())
	item.AddCommand(itemGetCmd())
	item.AddCommand(itemSetPriorityCmd())
	item.AddCommand(itemSetDeadlineCmd())
	item.AddCommand(itemVersionsCmd())
	return item
}

func itemCreateCmd() *cobra.Command {
	var opts engine.ItemCreateOptions
	var skills []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a work item",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			opts.RequiredSkills = skills
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if opts.WorkflowID == "" {
					opts.WorkflowID = e.Config.Workflow.ID
				}
				item, err := e.CreateItem(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(item)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "item id (optional, deterministic UUID if omitted)")
	cmd.Flags().StringVar(&opts.WorkflowID, "workflow", "", "workflow id")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringArrayVar(&skills, "require-skill", []string{}, "required skill (repeatable)")
	cmd.Flags().IntVar(&opts.Priority, "priority", 0, "priority (higher first)")
	cmd.Flags().StringVar(&opts.Deadline, "deadline", "", "deadline (RFC3339)")
	cmd.Flags().StringVar(&opts.PayloadJSON, "payload-json", "", "source payload JSON")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func itemListCmd() *cobra.Command {
	var f ledger.ItemFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List work items",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if f.WorkflowID == "" {
					f.WorkflowID = e.Config.Workflow.ID
				}
				items, err := e.Ledger.ListItems(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				printItemTable(items)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.WorkflowID, "workflow", "", "workflow id")
	cmd.Flags().StringVar(&f.State, "state", "", "state filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max rows")
	return cmd
}

func itemGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Get work item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				item, err := e.Ledger.GetItem(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(item)
			})
		},
	}
}

func itemSetPriorityCmd() *cobra.Command {
	var priority int
	cmd := &cobra.Command{
		Use:   "set-priority <id>",
		Short: "Change item priority",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				item, err := e.SetPriority(ctx, id, priority, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(item)
			})
		},
	}
	cmd.Flags().IntVar(&priority, "priority", 0, "priority (higher first)")
	_ = cmd.MarkFlagRequired("priority")
	return cmd
}

func itemSetDeadlineCmd() *cobra.Command {
	var deadline string
	cmd := &cobra.Command{
		Use:   "set-deadline <id>",
		Short: "Change item deadline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				item, err := e.SetDeadline(ctx, id, deadline, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(item)
			})
		},
	}
	cmd.Flags().StringVar(&deadline, "deadline", "", "deadline (RFC3339, empty clears)")
	return cmd
}

func itemVersionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "versions <id>",
		Short: "List an item's annotation versions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				versions, err := e.Versions(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(versions)
			})
		},
	}
}

// --- assignment ---

func assignCmd() *cobra.Command {
	var contributorID, mode string
	cmd := &cobra.Command{
		Use:   "assign <item-id>",
		Short: "Assign a work item",
		Long:  "Auto mode picks the least loaded eligible contributor; manual mode (--contributor) targets one directly and is also the rescue path for parked rejected items.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			itemID := args[0]
			if contributorID != "" && mode == "" {
				mode = "manual"
			}
			if mode == "" {
				mode = "auto"
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.Assign(ctx, engine.AssignOptions{
					WorkItemID:    itemID,
					Mode:          mode,
					ContributorID: contributorID,
					ActorID:       viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&contributorID, "contributor", "", "contributor id (manual mode)")
	cmd.Flags().StringVar(&mode, "mode", "", "auto or manual")
	return cmd
}

func unassignCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unassign <item-id>",
		Short: "Release an item's active assignment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			itemID := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				item, err := e.Unassign(ctx, itemID, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(item)
			})
		},
	}
}

// --- leases ---

func leaseCmd() *cobra.Command {
	lease := &cobra.Command{
		Use:   "lease",
		Short: "Manage exclusivity leases",
		Long:  "A lease is a time-bounded exclusive claim on a work item. At most one valid lease exists per item; leases expire on their own so an abandoned session never blocks work.",
	}
	lease.AddCommand(leaseAcquireCmd())
	lease.AddCommand(leaseReleaseCmd())
	lease.AddCommand(leaseShowCmd())
	return lease
}

func leaseAcquireCmd() *cobra.Command {
	var contributorID string
	var ttlSeconds int
	cmd := &cobra.Command{
		Use:   "acquire <item-id>",
		Short: "Acquire a lease on a work item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			itemID := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if contributorID == "" {
					contributorID = viper.GetString("actor-id")
				}
				lease, err := e.AcquireLease(ctx, engine.LeaseOptions{
					WorkItemID:    itemID,
					ContributorID: contributorID,
					TTLSeconds:    ttlSeconds,
					ActorID:       viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(lease)
			})
		},
	}
	cmd.Flags().StringVar(&contributorID, "contributor", "", "contributor id (defaults to actor)")
	cmd.Flags().IntVar(&ttlSeconds, "ttl-seconds", 0, "lease duration (defaults from workflow config)")
	return cmd
}

func leaseReleaseCmd() *cobra.Command {
	var contributorID string
	cmd := &cobra.Command{
		Use:   "release <item-id>",
		Short: "Release a lease",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			itemID := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if contributorID == "" {
					contributorID = viper.GetString("actor-id")
				}
				return e.ReleaseLease(ctx, itemID, contributorID, viper.GetString("actor-id"))
			})
		},
	}
	cmd.Flags().StringVar(&contributorID, "contributor", "", "contributor id (defaults to actor)")
	return cmd
}

func leaseShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <item-id>",
		Short: "Show the current lease on an item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			itemID := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				lease, err := e.Ledger.GetLease(ctx, itemID)
				if err != nil {
					return err
				}
				return printJSONOrTable(lease)
			})
		},
	}
}

// --- submission ---

func submitCmd() *cobra.Command {
	var contributorID, payloadJSON string
	cmd := &cobra.Command{
		Use:   "submit <item-id>",
		Short: "Submit an annotation version",
		Long:  "Appends the next immutable version for the item, releases the caller's lease, and opens the level-1 review task.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if payloadJSON == "" {
				return fmt.Errorf("--payload-json required")
			}
			itemID := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if contributorID == "" {
					contributorID = viper.GetString("actor-id")
				}
				res, err := e.SubmitVersion(ctx, engine.SubmitOptions{
					WorkItemID:    itemID,
					ContributorID: contributorID,
					PayloadJSON:   payloadJSON,
					ActorID:       viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&contributorID, "contributor", "", "contributor id (defaults to actor)")
	cmd.Flags().StringVar(&payloadJSON, "payload-json", "", "annotation payload JSON")
	return cmd
}

// --- review ---

func reviewCmd() *cobra.Command {
	review := &cobra.Command{
		Use:   "review",
		Short: "Review pipeline",
		Long:  "Each submission climbs the workflow's approval levels. Approve advances or closes a task; reject sends the item back to its contributor with a reason.",
	}
	review.AddCommand(reviewListCmd())
	review.AddCommand(reviewOpenCmd())
	review.AddCommand(reviewApproveCmd())
	review.AddCommand(reviewRejectCmd())
	review.AddCommand(reviewBatchApproveCmd())
	review.AddCommand(reviewHistoryCmd())
	return review
}

func reviewListCmd() *cobra.Command {
	var f ledger.ReviewTaskFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List review tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if f.WorkflowID == "" {
					f.WorkflowID = e.Config.Workflow.ID
				}
				tasks, err := e.Ledger.ListReviewTasks(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Item", "Version", "Kind", "Level", "Status"})
				for _, rt := range tasks {
					tw.AppendRow(table.Row{rt.ID, rt.WorkItemID, rt.Version, rt.Kind, fmt.Sprintf("%d/%d", rt.Level, rt.MaxLevel), rt.Status})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.WorkflowID, "workflow", "", "workflow id")
	cmd.Flags().StringVar(&f.WorkItemID, "item", "", "item filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.Kind, "kind", "", "kind filter (standard, audit)")
	return cmd
}

func reviewOpenCmd() *cobra.Command {
	var version int
	cmd := &cobra.Command{
		Use:   "open <item-id>",
		Short: "Open a review task for an existing version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			itemID := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rt, err := e.SubmitForReview(ctx, engine.ReviewOpenOptions{
					WorkItemID: itemID,
					Version:    version,
					ActorID:    viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(rt)
			})
		},
	}
	cmd.Flags().IntVar(&version, "version", 0, "version to review (defaults to latest)")
	return cmd
}

func reviewApproveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "approve <task-id>",
		Short: "Approve a review task at its current level",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			taskID := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rt, err := e.Approve(ctx, engine.ReviewDecisionOptions{
					ReviewTaskID: taskID,
					ReviewerID:   viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(rt)
			})
		},
	}
}

func reviewRejectCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "reject <task-id>",
		Short: "Reject a review task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			taskID := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rt, err := e.Reject(ctx, engine.ReviewDecisionOptions{
					ReviewTaskID: taskID,
					ReviewerID:   viper.GetString("actor-id"),
					Reason:       reason,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(rt)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "human-readable rejection reason")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func reviewBatchApproveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "batch-approve <task-id>...",
		Short: "Approve several tasks, reporting each outcome",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				decisions := e.BatchApprove(ctx, args, viper.GetString("actor-id"))
				if viper.GetBool("json") {
					type row struct {
						ReviewTaskID string             `json:"review_task_id"`
						Task         *domain.ReviewTask `json:"task,omitempty"`
						Error        string             `json:"error,omitempty"`
					}
					out := make([]row, 0, len(decisions))
					for _, d := range decisions {
						r := row{ReviewTaskID: d.ReviewTaskID}
						if d.Err != nil {
							r.Error = d.Err.Error()
						} else {
							rt := d.Task
							r.Task = &rt
						}
						out = append(out, r)
					}
					return printJSON(out)
				}
				for _, d := range decisions {
					if d.Err != nil {
						fmt.Printf("%s: error: %v\n", d.ReviewTaskID, d.Err)
					} else {
						fmt.Printf("%s: %s (level %d/%d)\n", d.ReviewTaskID, d.Task.Status, d.Task.Level, d.Task.MaxLevel)
					}
				}
				return nil
			})
		},
	}
}

func reviewHistoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <item-id>",
		Short: "Show the immutable review history of an item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			itemID := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actions, err := e.ReviewHistory(ctx, itemID)
				if err != nil {
					return err
				}
				return printJSONOrTable(actions)
			})
		},
	}
}

// --- conflicts ---

func conflictCmd() *cobra.Command {
	conflict := &cobra.Command{
		Use:   "conflict",
		Short: "Conflict detection and resolution",
		Long:  "Divergent versions of the same item become conflicts. A strict vote majority resolves one; an exact tie stays unresolved until an arbiter decides.",
	}
	conflict.AddCommand(conflictDetectCmd())
	conflict.AddCommand(conflictListCmd())
	conflict.AddCommand(conflictReportCmd())
	conflict.AddCommand(conflictVoteCmd())
	conflict.AddCommand(conflictResolveVoteCmd())
	conflict.AddCommand(conflictResolveArbiterCmd())
	return conflict
}

func conflictDetectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "detect <item-id>",
		Short: "Detect divergent version pairs for an item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			itemID := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				conflicts, err := e.DetectConflicts(ctx, itemID, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(conflicts)
			})
		},
	}
}

func conflictListCmd() *cobra.Command {
	var f ledger.ConflictFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List conflicts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if f.WorkflowID == "" {
					f.WorkflowID = e.Config.Workflow.ID
				}
				conflicts, err := e.Ledger.ListConflicts(ctx, f)
				if err != nil {
					return err
				}
				return printJSONOrTable(conflicts)
			})
		},
	}
	cmd.Flags().StringVar(&f.WorkflowID, "workflow", "", "workflow id")
	cmd.Flags().StringVar(&f.WorkItemID, "item", "", "item filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	return cmd
}

func conflictReportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "report",
		Short: "Summarize conflicts for the workflow",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				report, err := e.ConflictReport(ctx, e.Config.Workflow.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(report)
			})
		},
	}
}

func conflictVoteCmd() *cobra.Command {
	var choice int
	cmd := &cobra.Command{
		Use:   "vote <conflict-id>",
		Short: "Cast or replace a vote on a conflict",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			conflictID := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				v, err := e.Vote(ctx, engine.VoteOptions{
					ConflictID: conflictID,
					VoterID:    viper.GetString("actor-id"),
					Choice:     choice,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(v)
			})
		},
	}
	cmd.Flags().IntVar(&choice, "choice", 0, "version number to vote for")
	_ = cmd.MarkFlagRequired("choice")
	return cmd
}

func conflictResolveVoteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resolve-vote <conflict-id>",
		Short: "Resolve a conflict by strict vote majority",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			conflictID := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.ResolveByVote(ctx, conflictID, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
}

func conflictResolveArbiterCmd() *cobra.Command {
	var choice int
	cmd := &cobra.Command{
		Use:   "resolve-arbiter <conflict-id>",
		Short: "Resolve a conflict by arbiter decision",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			conflictID := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.ResolveByArbiter(ctx, engine.ArbiterOptions{
					ConflictID: conflictID,
					ArbiterID:  viper.GetString("actor-id"),
					Choice:     choice,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().IntVar(&choice, "choice", 0, "winning version number")
	_ = cmd.MarkFlagRequired("choice")
	return cmd
}

// --- quality ---

func qualityCmd() *cobra.Command {
	quality := &cobra.Command{
		Use:   "quality",
		Short: "Contributor quality",
		Long:  "Accuracy is derived from reviewed history (approved / reviewed). Contributors below the threshold are held out of auto-assignment until they recover.",
	}
	quality.AddCommand(qualityAccuracyCmd())
	quality.AddCommand(qualityCheckCmd())
	quality.AddCommand(qualitySampleCmd())
	quality.AddCommand(qualityRankingCmd())
	quality.AddCommand(qualityRecomputeCmd())
	return quality
}

func qualityAccuracyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "accuracy <contributor-id>",
		Short: "Show a contributor's derived accuracy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				report, err := e.Accuracy(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(report)
			})
		},
	}
}

func qualityCheckCmd() *cobra.Command {
	var threshold float64
	cmd := &cobra.Command{
		Use:   "check <contributor-id>",
		Short: "Check a contributor against the quality threshold",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if !cmd.Flags().Changed("threshold") {
					threshold = e.Config.Quality.Threshold
				}
				check, err := e.CheckThreshold(ctx, engine.ThresholdCheckOptions{
					ContributorID: id,
					Threshold:     threshold,
					ActorID:       viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(check)
			})
		},
	}
	cmd.Flags().Float64Var(&threshold, "threshold", 0, "minimum accuracy (defaults from workflow config)")
	return cmd
}

func qualitySampleCmd() *cobra.Command {
	var rate float64
	cmd := &cobra.Command{
		Use:   "sample",
		Short: "Open audit review tasks for a random sample of approved items",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if !cmd.Flags().Changed("rate") {
					rate = e.Config.Review.AuditSampleRate
				}
				tasks, err := e.SampleForReview(ctx, engine.SampleOptions{
					WorkflowID: e.Config.Workflow.ID,
					Rate:       rate,
					ActorID:    viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(tasks)
			})
		},
	}
	cmd.Flags().Float64Var(&rate, "rate", 0, "sample rate in [0,1] (defaults from workflow config)")
	return cmd
}

func qualityRankingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ranking",
		Short: "Rank contributors by accuracy",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ranking, err := e.QualityRanking(ctx, e.Config.Workflow.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(ranking)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Contributor", "Approved", "Rejected", "Accuracy"})
				for _, r := range ranking {
					tw.AppendRow(table.Row{r.ContributorID, r.Approved, r.Rejected, fmt.Sprintf("%.3f", r.Accuracy)})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func qualityRecomputeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recompute",
		Short: "Refresh all cached accuracy scores from reviewed history",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				n, err := e.RecomputeAccuracy(ctx, e.Config.Workflow.ID, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"updated": n})
				}
				fmt.Printf("recomputed accuracy for %d contributors\n", n)
				return nil
			})
		},
	}
}

// --- events ---

func eventsCmd() *cobra.Command {
	ev := &cobra.Command{
		Use:   "events",
		Short: "Event log",
		Long:  "The diary of everything that happened: assignments, leases, submissions, review decisions, conflicts, and quality warnings.",
	}
	ev.AddCommand(eventsTailCmd())
	return ev
}

func eventsTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				evts, err := e.Ledger.LatestEvents(ctx, n, e.Config.Workflow.ID, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(evts)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

// --- api keys ---

func apikeyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	cmd.AddCommand(apikeyCreateCmd())
	cmd.AddCommand(apikeyListCmd())
	cmd.AddCommand(apikeyRevokeCmd())
	return cmd
}

func apikeyCreateCmd() *cobra.Command {
	var actorID, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Mint an API key (the raw key is printed once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actorID == "" {
				actorID = viper.GetString("actor-id")
			}
			raw, err := newRawKey()
			if err != nil {
				return err
			}
			return withLedger(cmd.Context(), func(ctx context.Context, l ledger.Ledger) error {
				key := domain.APIKey{
					ID:        uuid.NewString(),
					ActorID:   actorID,
					Name:      name,
					KeyHash:   ledger.HashAPIKey(raw),
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				tx, err := l.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				if err := l.InsertAPIKey(ctx, tx, key); err != nil {
					return err
				}
				if err := tx.Commit(); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"id": key.ID, "actor_id": key.ActorID, "key": raw})
				}
				fmt.Printf("API key %s for %s (store it now, it is not shown again):\n%s\n", key.ID, key.ActorID, raw)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor the key authenticates as (defaults to --actor-id)")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var actorID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLedger(cmd.Context(), func(ctx context.Context, l ledger.Ledger) error {
				keys, err := l.ListAPIKeys(ctx, actorID)
				if err != nil {
					return err
				}
				return printJSONOrTable(keys)
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "filter by actor id")
	return cmd
}

func apikeyRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withLedger(cmd.Context(), func(ctx context.Context, l ledger.Ledger) error {
				return l.DeleteAPIKey(ctx, id)
			})
		},
	}
}

// --- serve ---

func serveCmd() *cobra.Command {
	var addr, basePath string
	var devActorHeader bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			l := ledger.Ledger{DB: conn}
			_, cfg, err := app.ResolveWorkflowAndConfig(cmd.Context(), viper.GetString("workflow"), viper.GetString("actor-id"), l)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			authCfg := server.AuthConfig{
				JWTSecret:        os.Getenv("CROWDLINE_JWT_SECRET"),
				AllowActorHeader: devActorHeader,
			}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("CROWDLINE_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			notify.Start(cmd.Context(), e)
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Crowdline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&devActorHeader, "dev-allow-actor-header", false, "trust X-Actor-Id without credentials (local development only)")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	l := ledger.Ledger{DB: conn}
	_, cfg, err := app.ResolveWorkflowAndConfig(ctx, viper.GetString("workflow"), viper.GetString("actor-id"), l)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	return fn(ctx, e)
}

func withLedger(ctx context.Context, fn func(context.Context, ledger.Ledger) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, ledger.Ledger{DB: conn})
}

func printItemTable(items []domain.WorkItem) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Title", "State", "Priority", "Skills", "Deadline"})
	for _, it := range items {
		deadline := ""
		if it.Deadline != nil {
			deadline = *it.Deadline
		}
		tw.AppendRow(table.Row{it.ID, it.Title, it.State, it.Priority, strings.Join(it.RequiredSkills, ","), deadline})
	}
	tw.Render()
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newRawKey() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return "cdlk_" + hex.EncodeToString(buf), nil
}

func setEnvValue(path, key, value string) error {
	var lines []string
	seen := false
	f, err := os.Open(path)
	if err == nil {
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, key+"=") {
				lines = append(lines, fmt.Sprintf("%s=%s", key, value))
				seen = true
			} else {
				lines = append(lines, line)
			}
		}
		if err := scanner.Err(); err != nil {
			f.Close()
			return err
		}
		f.Close()
	} else if !os.IsNotExist(err) {
		return err
	}
	if !seen {
		lines = append(lines, fmt.Sprintf("%s=%s", key, value))
	}
	content := strings.Join(lines, "\n")
	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	return os.WriteFile(path, []byte(content), 0o644)
}
