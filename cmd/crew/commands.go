package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"crewline/internal/app"
	"crewline/internal/domain"
	"crewline/internal/engine"
	"crewline/internal/repo"
)

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	var status string
	list := &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListProjects(ctx, status)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Status", "Description", "Created")
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.Status, p.Description, p.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&status, "status", "", "active or archived")

	var id, desc string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actorID()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.InitProject(ctx, id, desc, actor)
				if err != nil {
					return err
				}
				printOK("Created project %s", p.ID)
				return printJSONOrPretty(p)
			})
		},
	}
	create.Flags().StringVar(&id, "id", "", "project id")
	create.Flags().StringVar(&desc, "description", "", "description")
	_ = create.MarkFlagRequired("id")

	archive := &cobra.Command{
		Use:   "archive <id>",
		Short: "Archive a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actorID()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.ArchiveProject(ctx, args[0], actor)
				if err != nil {
					return err
				}
				printOK("Archived project %s", p.ID)
				return nil
			})
		},
	}
	prj.AddCommand(list, create, archive)
	return prj
}

func agentCmd() *cobra.Command {
	agt := &cobra.Command{Use: "agent", Short: "Manage agents"}
	agt.AddCommand(agentCreateCmd(), agentListCmd(), agentUpdateCmd(), agentPasskeyCmd(), agentTreeCmd())
	return agt
}

func agentCreateCmd() *cobra.Command {
	var opts engine.AgentCreateOptions
	var hierarchy, passkey string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			opts.HierarchyType = domain.HierarchyType(hierarchy)
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				ag, err := a.Engine.CreateAgent(ctx, opts)
				if err != nil {
					return err
				}
				if passkey != "" {
					if err := a.Sessions.SetPasskey(ctx, ag.ID, passkey, opts.ActorID); err != nil {
						return err
					}
				}
				printOK("Created agent %s (%s)", ag.ID, ag.HierarchyType)
				return printJSONOrPretty(ag)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "agent id")
	cmd.Flags().StringVar(&opts.Name, "name", "", "display name")
	cmd.Flags().StringVar(&opts.ParentAgentID, "parent", "", "parent agent id")
	cmd.Flags().StringVar(&hierarchy, "hierarchy", "", "owner, manager or worker")
	cmd.Flags().IntVar(&opts.MaxParallelTasks, "max-parallel", 0, "top-level tasks the agent may have in progress")
	cmd.Flags().BoolVar(&opts.Managed, "managed", false, "started by the local supervisor")
	cmd.Flags().StringVar(&passkey, "passkey", "", "passkey for pull protocol logins")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func agentListCmd() *cobra.Command {
	var f repo.AgentFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListAgents(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Name", "Hierarchy", "Parent", "Max", "Managed", "Locked")
				for _, ag := range items {
					tw.AppendRow(table.Row{ag.ID, ag.Name, ag.HierarchyType, deref(ag.ParentAgentID), ag.MaxParallelTasks, ag.Managed, lockedMark(ag.IsLocked)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.ParentID, "parent", "", "direct children of this agent")
	cmd.Flags().BoolVar(&f.ManagedOnly, "managed", false, "managed agents only")
	return cmd
}

func agentUpdateCmd() *cobra.Command {
	var name, parent, hierarchy string
	var maxParallel int
	var managed bool
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update an agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.AgentUpdateOptions{
				ID:            args[0],
				HierarchyType: domain.HierarchyType(hierarchy),
				ActorID:       viper.GetString("actor-id"),
			}
			if cmd.Flags().Changed("name") {
				opts.Name = &name
			}
			if cmd.Flags().Changed("parent") {
				opts.ParentAgentID = &parent
			}
			if cmd.Flags().Changed("max-parallel") {
				opts.MaxParallelTasks = &maxParallel
			}
			if cmd.Flags().Changed("managed") {
				opts.Managed = &managed
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ag, err := e.UpdateAgent(ctx, opts)
				if err != nil {
					return err
				}
				printOK("Updated agent %s", ag.ID)
				return printJSONOrPretty(ag)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&parent, "parent", "", "parent agent id, empty for none")
	cmd.Flags().StringVar(&hierarchy, "hierarchy", "", "owner, manager or worker")
	cmd.Flags().IntVar(&maxParallel, "max-parallel", 0, "parallel task limit")
	cmd.Flags().BoolVar(&managed, "managed", false, "started by the local supervisor")
	return cmd
}

func agentPasskeyCmd() *cobra.Command {
	var passkey string
	cmd := &cobra.Command{
		Use:   "passkey <id>",
		Short: "Set the passkey an agent logs in with",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if passkey == "" {
				passkey = os.Getenv("CREWLINE_PASSKEY")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Sessions.SetPasskey(ctx, args[0], passkey, viper.GetString("actor-id")); err != nil {
					return err
				}
				printOK("Passkey set for %s", args[0])
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&passkey, "passkey", "", "new passkey (or CREWLINE_PASSKEY)")
	return cmd
}

func agentTreeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tree",
		Short: "Show the agent hierarchy",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListAgents(ctx, repo.AgentFilters{})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				children := map[string][]domain.Agent{}
				var roots []domain.Agent
				for _, ag := range items {
					if ag.ParentAgentID == nil {
						roots = append(roots, ag)
						continue
					}
					children[*ag.ParentAgentID] = append(children[*ag.ParentAgentID], ag)
				}
				for i, r := range roots {
					printAgentTree(r, children, "", i == len(roots)-1)
				}
				return nil
			})
		},
	}
}

func taskCmd() *cobra.Command {
	tsk := &cobra.Command{Use: "task", Short: "Manage tasks"}
	tsk.AddCommand(taskCreateCmd(), taskListCmd(), taskShowCmd(), taskMoveCmd(), taskAssignCmd(),
		taskDepsCmd(), taskParentCmd(), taskApproveCmd(), taskRejectCmd(), taskClaimCmd(), taskTreeCmd())
	return tsk
}

func taskCreateCmd() *cobra.Command {
	var opts engine.TaskCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a backlog task",
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actorID()
			if err != nil {
				return err
			}
			opts.ActorID = actor
			if opts.RequesterID == "" {
				opts.RequesterID = actor
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.CreateTask(ctx, opts)
				if err != nil {
					return err
				}
				printOK("Created task %s", t.ID)
				return printJSONOrPretty(t)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "task id (generated when empty)")
	cmd.Flags().StringVar(&opts.ProjectID, "project", "", "project id")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().IntVar(&opts.Priority, "priority", 0, "priority, lower is picked first")
	cmd.Flags().StringVar(&opts.AssigneeID, "assignee", "", "assignee agent id")
	cmd.Flags().StringVar(&opts.ParentTaskID, "parent", "", "parent task id")
	cmd.Flags().StringSliceVar(&opts.Dependencies, "depends-on", nil, "task ids that must be done first")
	cmd.Flags().BoolVar(&opts.RequiresApproval, "requires-approval", false, "hold the task until approved")
	cmd.Flags().StringVar(&opts.RequesterID, "requester", "", "requesting agent id")
	_ = cmd.MarkFlagRequired("project")
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
				tasks, err := e.ListTasks(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := newTable("ID", "Title", "Status", "Priority", "Assignee", "Locked")
				for _, t := range tasks {
					tw.AppendRow(table.Row{t.ID, t.Title, statusText(t.Status), t.Priority, deref(t.AssigneeID), lockedMark(t.IsLocked)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.ProjectID, "project", "", "project id")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.AssigneeID, "assignee", "", "assignee filter")
	cmd.Flags().StringVar(&f.ParentTaskID, "parent", "", "parent task id")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max rows")
	return cmd
}

func taskShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a task with its handoffs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.GetTask(ctx, args[0])
				if err != nil {
					return err
				}
				handoffs, err := e.ListHandoffs(ctx, t.ID)
				if err != nil {
					return err
				}
				logs, err := e.ListExecutionLogs(ctx, t.ID)
				if err != nil {
					return err
				}
				return printJSONOrPretty(struct {
					Task          domain.Task           `json:"task"`
					Handoffs      []domain.Handoff      `json:"handoffs,omitempty"`
					ExecutionLogs []domain.ExecutionLog `json:"execution_logs,omitempty"`
				}{t, handoffs, logs})
			})
		},
	}
}

func taskMoveCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "move <id> <status>",
		Short: "Move a task to a new status",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actorID()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.Transition(ctx, engine.TransitionRequest{
					TaskID:        args[0],
					NewStatus:     domain.TaskStatus(args[1]),
					ActingAgentID: actor,
					Reason:        reason,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				printTransition(res)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason, kept as blocked_reason when blocking")
	return cmd
}

func taskAssignCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "assign <id> <agent>",
		Short: "Assign a task",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actorID()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.AssignTask(ctx, args[0], args[1], actor)
				if err != nil {
					return err
				}
				printOK("Assigned %s to %s", t.ID, deref(t.AssigneeID))
				return nil
			})
		},
	}
}

func taskDepsCmd() *cobra.Command {
	var add, remove []string
	cmd := &cobra.Command{
		Use:   "deps <id>",
		Short: "Add or remove dependencies",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actorID()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.SetDependencies(ctx, args[0], add, remove, actor)
				if err != nil {
					return err
				}
				printOK("%s depends on [%s]", t.ID, strings.Join(t.Dependencies, ", "))
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVar(&add, "add", nil, "dependencies to add")
	cmd.Flags().StringSliceVar(&remove, "remove", nil, "dependencies to remove")
	return cmd
}

func taskParentCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "parent <id> [parent-id]",
		Short: "Set or clear a task's parent",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actorID()
			if err != nil {
				return err
			}
			parent := ""
			if len(args) == 2 {
				parent = args[1]
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.SetParent(ctx, args[0], parent, actor)
				if err != nil {
					return err
				}
				printOK("Parent of %s is now %q", t.ID, deref(t.ParentTaskID))
				return nil
			})
		},
	}
}

func taskApproveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "approve <id>",
		Short: "Approve a task waiting for approval",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actorID()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.ApproveTask(ctx, args[0], actor)
				if err != nil {
					return err
				}
				printOK("Approved %s", t.ID)
				return nil
			})
		},
	}
}

func taskRejectCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "reject <id>",
		Short: "Reject a task waiting for approval",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actorID()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.RejectTask(ctx, args[0], actor, reason)
				if err != nil {
					return err
				}
				printOK("Rejected %s", t.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "rejection reason")
	return cmd
}

func taskClaimCmd() *cobra.Command {
	var project string
	cmd := &cobra.Command{
		Use:   "claim",
		Short: "Start the best ready task for the acting agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actorID()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.ClaimNextTask(ctx, project, actor)
				if err != nil {
					if engine.CodeOf(err) == engine.CodeNotFound {
						printWarn("No ready task for %s in %s", actor, project)
						return nil
					}
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				printTransition(res)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&project, "project", "", "project id")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

func taskTreeCmd() *cobra.Command {
	var project string
	cmd := &cobra.Command{
		Use:   "tree",
		Short: "Show tasks as a tree",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tasks, err := e.ListTasks(ctx, repo.TaskFilters{ProjectID: project})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				ids := map[string]bool{}
				for _, t := range tasks {
					ids[t.ID] = true
				}
				children := map[string][]domain.Task{}
				var roots []domain.Task
				for _, t := range tasks {
					if t.ParentTaskID != nil && ids[*t.ParentTaskID] {
						children[*t.ParentTaskID] = append(children[*t.ParentTaskID], t)
						continue
					}
					roots = append(roots, t)
				}
				for i, r := range roots {
					printTaskTree(r, children, "", i == len(roots)-1)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&project, "project", "", "project id")
	return cmd
}

func auditCmd() *cobra.Command {
	aud := &cobra.Command{Use: "audit", Short: "Manage internal audits and their rules"}

	var opts engine.AuditCreateOptions
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an audit",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.CreateAudit(ctx, opts)
				if err != nil {
					return err
				}
				printOK("Created audit %s", a.ID)
				return printJSONOrPretty(a)
			})
		},
	}
	create.Flags().StringVar(&opts.ID, "id", "", "audit id (generated when empty)")
	create.Flags().StringVar(&opts.Name, "name", "", "audit name")
	create.Flags().StringVar(&opts.Description, "description", "", "description")

	list := &cobra.Command{
		Use:   "list",
		Short: "List audits",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListAudits(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Name", "Status", "Created")
				for _, a := range items {
					tw.AppendRow(table.Row{a.ID, a.Name, a.Status, a.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}

	status := &cobra.Command{
		Use:   "status <id> <active|suspended>",
		Short: "Suspend or resume an audit",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.SetAuditStatus(ctx, args[0], domain.AuditStatus(args[1]), viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				printOK("Audit %s is %s", a.ID, a.Status)
				return nil
			})
		},
	}

	aud.AddCommand(create, list, status, ruleCmd())
	return aud
}

func ruleCmd() *cobra.Command {
	rule := &cobra.Command{Use: "rule", Short: "Manage audit rules"}

	var file string
	importCmd := &cobra.Command{
		Use:   "import <audit-id>",
		Short: "Import rules from a YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rules, err := e.ImportRules(ctx, args[0], data, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				printOK("Imported %d rule(s) into %s", len(rules), args[0])
				return nil
			})
		},
	}
	importCmd.Flags().StringVarP(&file, "file", "f", "", "rules YAML")
	_ = importCmd.MarkFlagRequired("file")

	list := &cobra.Command{
		Use:   "list <audit-id>",
		Short: "List an audit's rules",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rules, err := e.ListRules(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rules)
				}
				tw := newTable("ID", "Name", "Trigger", "Enabled", "Tasks")
				for _, r := range rules {
					tw.AppendRow(table.Row{r.ID, r.Name, r.TriggerType, r.IsEnabled, len(r.AuditTasks)})
				}
				tw.Render()
				return nil
			})
		},
	}

	toggle := func(use string, enabled bool) *cobra.Command {
		return &cobra.Command{
			Use:   use + " <rule-id>",
			Short: strings.ToUpper(use[:1]) + use[1:] + " a rule",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
					r, err := e.SetRuleEnabled(ctx, args[0], enabled, viper.GetString("actor-id"))
					if err != nil {
						return err
					}
					printOK("Rule %s enabled=%t", r.ID, r.IsEnabled)
					return nil
				})
			},
		}
	}

	var source string
	fire := &cobra.Command{
		Use:   "fire <rule-id>",
		Short: "Materialize a rule's tasks by hand",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actorID()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				fired, tasks, err := e.FireRule(ctx, args[0], source, actor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(struct {
						Fired engine.FiredRule `json:"fired"`
						Tasks []domain.Task    `json:"tasks"`
					}{fired, tasks})
				}
				printOK("Rule %s created %d task(s): %s", fired.RuleID, len(tasks), strings.Join(fired.CreatedTaskIDs, ", "))
				return nil
			})
		},
	}
	fire.Flags().StringVar(&source, "source-task", "", "task the audit tasks are about")
	_ = fire.MarkFlagRequired("source-task")

	rule.AddCommand(importCmd, list, toggle("enable", true), toggle("disable", false), fire)
	return rule
}

func lockCmd() *cobra.Command {
	lck := &cobra.Command{Use: "lock", Short: "Lock or unlock tasks and agents for an audit"}
	run := func(use, short string, fn func(engine.Engine, context.Context, engine.LockEntity, string, string) (engine.LockState, error)) *cobra.Command {
		var audit string
		cmd := &cobra.Command{
			Use:   use + " <task|agent> <id>",
			Short: short,
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
					st, err := fn(e, ctx, engine.LockEntity(args[0]), args[1], audit)
					if err != nil {
						return err
					}
					if viper.GetBool("json") {
						return printJSON(st)
					}
					printOK("%s %s locked=%t", st.EntityType, st.EntityID, st.IsLocked)
					return nil
				})
			},
		}
		cmd.Flags().StringVar(&audit, "audit", "", "audit id")
		_ = cmd.MarkFlagRequired("audit")
		return cmd
	}
	show := &cobra.Command{
		Use:   "show <task|agent> <id>",
		Short: "Show lock state",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				st, err := e.LockStateOf(ctx, engine.LockEntity(args[0]), args[1])
				if err != nil {
					return err
				}
				return printJSONOrPretty(st)
			})
		},
	}
	lck.AddCommand(
		run("acquire", "Lock an entity", engine.Engine.Lock),
		run("release", "Unlock an entity", engine.Engine.Unlock),
		show,
	)
	return lck
}

func sessionCmd() *cobra.Command {
	ses := &cobra.Command{Use: "session", Short: "Inspect and end agent sessions"}
	var f repo.SessionFilters
	list := &cobra.Command{
		Use:   "list",
		Short: "List sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Sessions.List(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Agent", "Project", "Purpose", "State", "Task", "Expires")
				for _, s := range items {
					tw.AppendRow(table.Row{s.ID, s.AgentID, s.ProjectID, s.Purpose, s.State, deref(s.CurrentTaskID), s.ExpiresAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&f.AgentID, "agent", "", "agent id")
	list.Flags().StringVar(&f.ProjectID, "project", "", "project id")
	list.Flags().BoolVar(&f.ActiveOnly, "active", false, "active sessions only")

	var reason string
	end := &cobra.Command{
		Use:   "end <id>",
		Short: "End a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Sessions.End(ctx, args[0], reason); err != nil {
					return err
				}
				printOK("Ended session %s", args[0])
				return nil
			})
		},
	}
	end.Flags().StringVar(&reason, "reason", "ended_by_operator", "reason recorded on the event")
	ses.AddCommand(list, end)
	return ses
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{Use: "log", Short: "Read the state change log"}
	var f repo.EventFilters
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show the latest events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				evts, err := e.ListEvents(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(evts)
				}
				tw := newTable("ID", "Time", "Type", "Entity", "From", "To", "Actor")
				for _, evt := range evts {
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.EntityType + ":" + evt.EntityID, evt.PreviousState, evt.NewState, evt.ActingAgentID})
				}
				tw.Render()
				return nil
			})
		},
	}
	tail.Flags().IntVarP(&f.Limit, "n", "n", 20, "number of events")
	tail.Flags().StringVar(&f.ProjectID, "project", "", "project id")
	tail.Flags().StringVar(&f.Type, "type", "", "event type")
	tail.Flags().StringVar(&f.EntityType, "entity-type", "", "entity type")
	tail.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id")
	tail.Flags().Int64Var(&f.Before, "before", 0, "page back from this event id")
	lg.AddCommand(tail)
	return lg
}

// --- output ---

func newTable(headers ...any) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row(headers))
	return tw
}

func statusText(s domain.TaskStatus) string {
	switch s {
	case domain.StatusDone:
		return color.GreenString(string(s))
	case domain.StatusBlocked:
		return color.RedString(string(s))
	case domain.StatusInProgress:
		return color.CyanString(string(s))
	case domain.StatusCancelled:
		return color.HiBlackString(string(s))
	default:
		return string(s)
	}
}

func lockedMark(locked bool) string {
	if locked {
		return color.YellowString("locked")
	}
	return ""
}

func printTransition(res engine.TransitionResult) {
	printOK("%s is now %s", res.Task.ID, statusText(res.Task.Status))
	for _, t := range res.Cascaded {
		fmt.Printf("  cascaded %s -> %s\n", t.ID, statusText(t.Status))
	}
	for _, fr := range res.FiredRules {
		fmt.Printf("  audit rule %s created %s\n", fr.RuleID, strings.Join(fr.CreatedTaskIDs, ", "))
	}
}

func printTaskTree(t domain.Task, children map[string][]domain.Task, prefix string, last bool) {
	connector := "├── "
	newPrefix := prefix + "│   "
	if last {
		connector = "└── "
		newPrefix = prefix + "    "
	}
	fmt.Printf("%s%s%s [%s]\n", prefix, connector, t.Title, statusText(t.Status))
	for i, c := range children[t.ID] {
		printTaskTree(c, children, newPrefix, i == len(children[t.ID])-1)
	}
}

func printAgentTree(a domain.Agent, children map[string][]domain.Agent, prefix string, last bool) {
	connector := "├── "
	newPrefix := prefix + "│   "
	if last {
		connector = "└── "
		newPrefix = prefix + "    "
	}
	fmt.Printf("%s%s%s (%s)\n", prefix, connector, a.ID, a.HierarchyType)
	for i, c := range children[a.ID] {
		printAgentTree(c, children, newPrefix, i == len(children[a.ID])-1)
	}
}
