package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"flowline/internal/app"
	"flowline/internal/config"
	"flowline/internal/db"
	"flowline/internal/domain"
	"flowline/internal/engine"
	"flowline/internal/migrate"
	"flowline/internal/repo"
	"flowline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "fl",
	Short: "Flowline CLI",
	Long: `Flowline tracks team tasks and runs automation rules over them.
- Workspace: your .flowline directory with the database; one or more logical workspaces live inside.
- Tasks: work items with a status, assignees, and labels.
- Rules: when a trigger fires (task created, status changed), an action runs (change status, assign, label, notify).
- Activity log: every change, manual or automated, lands in an append-only log; automated rows carry the rule that caused them.
- Notifications: notify actions write durable rows; 'fl serve' can forward them to webhooks.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		dir := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(dir); err != nil {
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
	viper.SetEnvPrefix("FLOWLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("workspace-id", "", "workspace id (overrides flowline.yml)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("workspace-id", rootCmd.PersistentFlags().Lookup("workspace-id"))
}

func registerCommands() {
	rootCmd.AddCommand(workspaceCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(ruleCmd())
	rootCmd.AddCommand(labelCmd())
	rootCmd.AddCommand(memberCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(notificationCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
}

// workspace

func workspaceCmd() *cobra.Command {
	ws := &cobra.Command{Use: "workspace", Short: "Manage workspaces"}
	ws.AddCommand(workspaceListCmd())
	ws.AddCommand(workspaceCreateCmd())
	ws.AddCommand(workspaceShowCmd())
	return ws
}

func workspaceListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List workspaces",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListWorkspaces(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Status", "Created"})
				for _, w := range items {
					tw.AppendRow(table.Row{w.ID, w.Name, w.Status, w.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func workspaceCreateCmd() *cobra.Command {
	var id, name, desc string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			// resolving creates the workspace row, config, and admin member
			return withEngineFor(cmd.Context(), id, func(ctx context.Context, e engine.Engine) error {
				w, err := e.Repo.GetWorkspace(ctx, id)
				if err != nil {
					return err
				}
				if name != "" || desc != "" {
					if name == "" {
						name = w.Name
					}
					if err := e.Repo.UpdateWorkspace(ctx, id, name, w.Status, &desc); err != nil {
						return err
					}
					w, err = e.Repo.GetWorkspace(ctx, id)
					if err != nil {
						return err
					}
				}
				return printJSONOrDump(w)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "workspace id")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func workspaceShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the active workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				w, err := e.Repo.GetWorkspace(ctx, e.Config.Workspace.ID)
				if err != nil {
					return err
				}
				return printJSONOrDump(w)
			})
		},
	}
}

// config

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect workspace config",
		Long:  "Config holds the status catalog, the default status, and the per-workspace rule cap. Stored in the DB, seeded from flowline.yml.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrDump(e.Config)
			})
		},
	}
}

func configInitCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default flowline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				id = "default"
			}
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(id)), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "workspace id")
	return cmd
}

func configValidateCmd() *cobra.Command {
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

// status

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show workspace status",
		Long:  "Task counts per status plus the number of enabled automation rules.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				wsID := e.Config.Workspace.ID
				w, err := e.Repo.GetWorkspace(ctx, wsID)
				if err != nil {
					return err
				}
				counts, err := e.Repo.CountTasksByStatus(ctx, wsID)
				if err != nil {
					return err
				}
				rules, err := e.Repo.ListEnabledRules(ctx, wsID)
				if err != nil {
					return err
				}
				out := map[string]any{
					"workspace_id":  w.ID,
					"status":        w.Status,
					"task_counts":   counts,
					"enabled_rules": len(rules),
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Printf("Workspace: %s (%s)\n", w.ID, w.Status)
				for status, n := range counts {
					fmt.Printf("  %s: %d\n", status, n)
				}
				fmt.Printf("Enabled rules: %d\n", len(rules))
				return nil
			})
		},
	}
}

// tasks

func taskCmd() *cobra.Command {
	t := &cobra.Command{Use: "task", Short: "Manage tasks"}
	t.AddCommand(taskCreateCmd())
	t.AddCommand(taskListCmd())
	t.AddCommand(taskShowCmd())
	t.AddCommand(taskUpdateCmd())
	t.AddCommand(taskAssignCmd())
	t.AddCommand(taskUnassignCmd())
	t.AddCommand(taskLabelCmd())
	t.AddCommand(taskUnlabelCmd())
	return t
}

func taskCreateCmd() *cobra.Command {
	var title, desc, status string
	var assignees, labels []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create task",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.CreateTask(ctx, engine.TaskCreateOptions{
					WorkspaceID: e.Config.Workspace.ID,
					Title:       title,
					Description: desc,
					Status:      status,
					Assignees:   assignees,
					LabelIDs:    labels,
					ActorID:     viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrDump(t)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "task title")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	cmd.Flags().StringVar(&status, "status", "", "initial status (defaults per config)")
	cmd.Flags().StringArrayVar(&assignees, "assignee", []string{}, "assignee user id")
	cmd.Flags().StringArrayVar(&labels, "label", []string{}, "label id")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func taskListCmd() *cobra.Command {
	var f repo.TaskFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if f.WorkspaceID == "" {
					f.WorkspaceID = e.Config.Workspace.ID
				}
				tasks, err := e.Repo.ListTasks(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Assignees", "Labels"})
				for _, t := range tasks {
					tw.AppendRow(table.Row{t.ID, t.Title, t.Status, strings.Join(t.Assignees, ","), strings.Join(t.LabelIDs, ",")})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.AssigneeID, "assignee", "", "assignee filter")
	cmd.Flags().StringVar(&f.LabelID, "label", "", "label filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max rows")
	return cmd
}

func taskShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <task-id>",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.Repo.GetTask(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrDump(t)
			})
		},
	}
}

func taskUpdateCmd() *cobra.Command {
	var title, desc, status string
	cmd := &cobra.Command{
		Use:   "update <task-id>",
		Short: "Update a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts := engine.TaskUpdateOptions{
					ID:      args[0],
					Status:  status,
					ActorID: viper.GetString("actor-id"),
				}
				if cmd.Flags().Changed("title") {
					opts.Title = &title
				}
				if cmd.Flags().Changed("description") {
					opts.Description = &desc
				}
				t, err := e.UpdateTask(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrDump(t)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "new title")
	cmd.Flags().StringVar(&desc, "description", "", "new description")
	cmd.Flags().StringVar(&status, "status", "", "new status")
	return cmd
}

func taskAssignCmd() *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "assign <task-id>",
		Short: "Add an assignee",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.AssignTask(ctx, args[0], userID, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrDump(t)
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func taskUnassignCmd() *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "unassign <task-id>",
		Short: "Remove an assignee",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.UnassignTask(ctx, args[0], userID, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrDump(t)
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func taskLabelCmd() *cobra.Command {
	var labelID string
	cmd := &cobra.Command{
		Use:   "label <task-id>",
		Short: "Attach a label",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.AddTaskLabel(ctx, args[0], labelID, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrDump(t)
			})
		},
	}
	cmd.Flags().StringVar(&labelID, "label", "", "label id")
	_ = cmd.MarkFlagRequired("label")
	return cmd
}

func taskUnlabelCmd() *cobra.Command {
	var labelID string
	cmd := &cobra.Command{
		Use:   "unlabel <task-id>",
		Short: "Detach a label",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.RemoveTaskLabel(ctx, args[0], labelID, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrDump(t)
			})
		},
	}
	cmd.Flags().StringVar(&labelID, "label", "", "label id")
	_ = cmd.MarkFlagRequired("label")
	return cmd
}

// rules

func ruleCmd() *cobra.Command {
	r := &cobra.Command{
		Use:   "rule",
		Short: "Manage automation rules",
		Long:  "Rules run after task mutations commit. A rule pairs one trigger (task_created, status_change) with one action (change_status, assign_user, add_label, notify).",
	}
	r.AddCommand(ruleCreateCmd())
	r.AddCommand(ruleListCmd())
	r.AddCommand(ruleShowCmd())
	r.AddCommand(ruleEnableCmd())
	r.AddCommand(ruleDisableCmd())
	r.AddCommand(ruleDeleteCmd())
	return r
}

func ruleCreateCmd() *cobra.Command {
	var name, triggerType, triggerConfig, actionType, actionConfig string
	var disabled bool
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create automation rule",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				enabled := !disabled
				rule, err := e.CreateRule(ctx, engine.RuleCreateOptions{
					WorkspaceID:       e.Config.Workspace.ID,
					Name:              name,
					TriggerType:       triggerType,
					TriggerConfigJSON: triggerConfig,
					ActionType:        actionType,
					ActionConfigJSON:  actionConfig,
					Enabled:           &enabled,
					ActorID:           viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrDump(rule)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "rule name")
	cmd.Flags().StringVar(&triggerType, "trigger", "", "trigger type")
	cmd.Flags().StringVar(&triggerConfig, "trigger-config", "", "trigger config JSON")
	cmd.Flags().StringVar(&actionType, "action", "", "action type")
	cmd.Flags().StringVar(&actionConfig, "action-config", "", "action config JSON")
	cmd.Flags().BoolVar(&disabled, "disabled", false, "create disabled")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("trigger")
	_ = cmd.MarkFlagRequired("action")
	return cmd
}

func ruleListCmd() *cobra.Command {
	var f repo.RuleFilters
	var enabledOnly bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List automation rules",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if f.WorkspaceID == "" {
					f.WorkspaceID = e.Config.Workspace.ID
				}
				if enabledOnly {
					t := true
					f.Enabled = &t
				}
				rules, err := e.Repo.ListRules(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rules)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Trigger", "Action", "Enabled"})
				for _, r := range rules {
					tw.AppendRow(table.Row{r.ID, r.Name, r.TriggerType, r.ActionType, r.Enabled})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.TriggerType, "trigger", "", "trigger type filter")
	cmd.Flags().BoolVar(&enabledOnly, "enabled", false, "only enabled rules")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max rows")
	return cmd
}

func ruleShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <rule-id>",
		Short: "Show an automation rule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rule, err := e.Repo.GetRule(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrDump(rule)
			})
		},
	}
}

func ruleEnableCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "enable <rule-id>",
		Short: "Enable a rule",
		Args:  cobra.ExactArgs(1),
		RunE:  setRuleEnabledRunE(true),
	}
}

func ruleDisableCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "disable <rule-id>",
		Short: "Disable a rule",
		Args:  cobra.ExactArgs(1),
		RunE:  setRuleEnabledRunE(false),
	}
}

func setRuleEnabledRunE(enabled bool) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
			rule, err := e.SetRuleEnabled(ctx, args[0], enabled, viper.GetString("actor-id"))
			if err != nil {
				return err
			}
			return printJSONOrDump(rule)
		})
	}
}

func ruleDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <rule-id>",
		Short: "Delete a rule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.DeleteRule(ctx, args[0], viper.GetString("actor-id")); err != nil {
					return err
				}
				fmt.Println("deleted", args[0])
				return nil
			})
		},
	}
}

// labels

func labelCmd() *cobra.Command {
	l := &cobra.Command{Use: "label", Short: "Manage labels"}
	l.AddCommand(labelCreateCmd())
	l.AddCommand(labelListCmd())
	l.AddCommand(labelDeleteCmd())
	return l
}

func labelCreateCmd() *cobra.Command {
	var name, color string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create label",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				l, err := e.CreateLabel(ctx, e.Config.Workspace.ID, name, color, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrDump(l)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "label name")
	cmd.Flags().StringVar(&color, "color", "", "label color")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func labelListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List labels",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListLabels(ctx, e.Config.Workspace.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Color"})
				for _, l := range items {
					tw.AppendRow(table.Row{l.ID, l.Name, l.Color})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func labelDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <label-id>",
		Short: "Delete label",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.DeleteLabel(ctx, args[0]); err != nil {
					return err
				}
				fmt.Println("deleted", args[0])
				return nil
			})
		},
	}
}

// members

func memberCmd() *cobra.Command {
	m := &cobra.Command{Use: "member", Short: "Manage workspace members"}
	m.AddCommand(memberAddCmd())
	m.AddCommand(memberListCmd())
	m.AddCommand(memberRemoveCmd())
	return m
}

func memberAddCmd() *cobra.Command {
	var userID, role string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add member",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.AddMember(ctx, e.Config.Workspace.ID, userID, role, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrDump(m)
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id")
	cmd.Flags().StringVar(&role, "role", "member", "role: admin, member, viewer")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func memberListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List members",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListMembers(ctx, e.Config.Workspace.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"User", "Role", "Since"})
				for _, m := range items {
					tw.AppendRow(table.Row{m.UserID, m.Role, m.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func memberRemoveCmd() *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "remove",
		Short: "Remove member",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.Repo.RemoveMember(ctx, e.Config.Workspace.ID, userID); err != nil {
					return err
				}
				fmt.Println("removed", userID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

// activity log

func logCmd() *cobra.Command {
	l := &cobra.Command{
		Use:   "log",
		Short: "Activity log",
		Long:  "The diary of everything that happened, manual and automated. Automated rows carry the rule id.",
	}
	l.AddCommand(logTailCmd())
	return l
}

func logTailCmd() *cobra.Command {
	var f repo.ActivityFilters
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show recent activity",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if f.WorkspaceID == "" {
					f.WorkspaceID = e.Config.Workspace.ID
				}
				items, err := e.Repo.ListActivities(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"TS", "Actor", "Kind", "Action", "Task", "Old", "New", "Rule"})
				for _, a := range items {
					tw.AppendRow(table.Row{a.TS, a.ActorID, a.ActorKind, a.Action, a.TaskID, a.OldValue, a.NewValue, a.RuleID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.TaskID, "task", "", "task filter")
	cmd.Flags().StringVar(&f.ActorKind, "actor-kind", "", "user or automation")
	cmd.Flags().StringVar(&f.Action, "action", "", "action filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max rows")
	return cmd
}

// notifications

func notificationCmd() *cobra.Command {
	n := &cobra.Command{Use: "notification", Short: "Manage notifications"}
	n.AddCommand(notificationListCmd())
	n.AddCommand(notificationReadCmd())
	return n
}

func notificationListCmd() *cobra.Command {
	var unread bool
	var user string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List notifications",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if user == "" {
					user = viper.GetString("actor-id")
				}
				items, err := e.Repo.ListNotifications(ctx, repo.NotificationFilters{
					WorkspaceID: e.Config.Workspace.ID,
					UserID:      user,
					UnreadOnly:  unread,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Task", "Message", "Created", "Read"})
				for _, n := range items {
					read := ""
					if n.ReadAt != nil {
						read = *n.ReadAt
					}
					tw.AppendRow(table.Row{n.ID, n.TaskID, n.Message, n.CreatedAt, read})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&unread, "unread", false, "unread only")
	cmd.Flags().StringVar(&user, "user", "", "user id (defaults to actor)")
	return cmd
}

func notificationReadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "read <notification-id>",
		Short: "Mark notification read",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				n, err := e.MarkNotificationRead(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrDump(n)
			})
		},
	}
}

// api keys

func apikeyCmd() *cobra.Command {
	k := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	k.AddCommand(apikeyCreateCmd())
	k.AddCommand(apikeyListCmd())
	k.AddCommand(apikeyDeleteCmd())
	return k
}

func apikeyCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for the current actor",
		Long:  "Prints the key once; only its hash is stored.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				raw := make([]byte, 24)
				if _, err := rand.Read(raw); err != nil {
					return err
				}
				secret := "flk_" + hex.EncodeToString(raw)
				key := domain.APIKey{
					ID:      uuid.New().String(),
					ActorID: viper.GetString("actor-id"),
					Name:    name,
					KeyHash: repo.HashAPIKey(secret),
				}
				if err := r.InsertAPIKey(ctx, nil, key); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]string{"id": key.ID, "key": secret})
				}
				fmt.Println("id: ", key.ID)
				fmt.Println("key:", secret)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "key name")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List API keys for the current actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListAPIKeys(ctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Created"})
				for _, k := range items {
					tw.AppendRow(table.Row{k.ID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func apikeyDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <key-id>",
		Short: "Delete API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.DeleteAPIKey(ctx, args[0]); err != nil {
					return err
				}
				fmt.Println("deleted", args[0])
				return nil
			})
		},
	}
}

// serve

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowLegacyActor bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: dir})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			r := repo.Repo{DB: conn}
			_, cfg, err := app.ResolveWorkspaceAndConfig(cmd.Context(), dir, viper.GetString("workspace-id"), viper.GetString("actor-id"), r)
			if err != nil {
				return err
			}
			log := newLogger()
			e := engine.New(conn, cfg, log)
			authCfg := server.AuthConfig{
				JWTSecret:              os.Getenv("FLOWLINE_JWT_SECRET"),
				AllowLegacyActorHeader: allowLegacyActor,
				Logger:                 log,
			}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("FLOWLINE_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			log.WithField("addr", addr).Info("serving Flowline API (OpenAPI at /openapi.json, Swagger UI at /docs)")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&allowLegacyActor, "allow-legacy-actor-header", false, "accept X-Actor-Id without auth (dev only)")
	return cmd
}

// helpers

func newLogger() *logrus.Logger {
	log := logrus.New()
	if lvl, err := logrus.ParseLevel(os.Getenv("FLOWLINE_LOG_LEVEL")); err == nil {
		log.SetLevel(lvl)
	}
	return log
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	return withEngineFor(ctx, viper.GetString("workspace-id"), fn)
}

func withEngineFor(ctx context.Context, workspaceID string, fn func(context.Context, engine.Engine) error) error {
	dir := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	_, cfg, err := app.ResolveWorkspaceAndConfig(ctx, dir, workspaceID, viper.GetString("actor-id"), r)
	if err != nil {
		return err
	}
	return fn(ctx, engine.New(conn, cfg, newLogger()))
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	dir := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func printJSONOrDump(v any) error {
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
