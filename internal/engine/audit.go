package engine

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"crewline/internal/domain"
	"crewline/internal/events"
	"crewline/internal/repo"
)

// checkTriggers fires every enabled rule of every active audit whose
// trigger matches. Rules without templates are skipped.
func (e Engine) checkTriggers(ctx context.Context, tx *Tx, trigger domain.TriggerType, source domain.Task, actingAgentID string) ([]FiredRule, error) {
	audits, err := e.Repo.ListAuditsTx(ctx, tx.Tx, domain.AuditActive)
	if err != nil {
		return nil, err
	}
	var fired []FiredRule
	for _, audit := range audits {
		rules, err := e.Repo.ListRulesTx(ctx, tx.Tx, repo.RuleFilters{AuditID: audit.ID, TriggerType: trigger, EnabledOnly: true})
		if err != nil {
			return nil, err
		}
		for _, rule := range rules {
			if len(rule.AuditTasks) == 0 {
				continue
			}
			created, err := e.fireRule(ctx, tx, rule, source, actingAgentID)
			if err != nil {
				return nil, fmt.Errorf("fire rule %s: %w", rule.ID, err)
			}
			fr := FiredRule{RuleID: rule.ID, RuleName: rule.Name, AuditID: rule.AuditID}
			for _, t := range created {
				fr.CreatedTaskIDs = append(fr.CreatedTaskIDs, t.ID)
			}
			fired = append(fired, fr)
		}
	}
	return fired, nil
}

// fireRule materializes rule's templates in ascending order. A template may
// depend only on orders already created; later and self references are dropped.
func (e Engine) fireRule(ctx context.Context, tx *Tx, rule domain.AuditRule, source domain.Task, actingAgentID string) ([]domain.Task, error) {
	if len(rule.AuditTasks) == 0 {
		return nil, validation("audit_tasks", "rule %s has no task templates", rule.ID)
	}
	templates := slices.Clone(rule.AuditTasks)
	slices.SortStableFunc(templates, func(a, b domain.AuditTaskTemplate) int { return a.Order - b.Order })

	now := e.nowString()
	idByOrder := make(map[int]string, len(templates))
	created := make([]domain.Task, 0, len(templates))
	for _, tmpl := range templates {
		var deps []string
		for _, order := range tmpl.DependsOnOrders {
			if order >= tmpl.Order {
				continue
			}
			if id, ok := idByOrder[order]; ok && !slices.Contains(deps, id) {
				deps = append(deps, id)
			}
		}
		t := domain.Task{
			ID:             uuid.NewString(),
			ProjectID:      source.ProjectID,
			Title:          fmt.Sprintf("%s [Audit: %s]", tmpl.Title, source.Title),
			Description:    tmpl.Description,
			Status:         domain.StatusBacklog,
			Priority:       tmpl.Priority,
			AssigneeID:     tmpl.AssigneeID,
			Dependencies:   deps,
			ApprovalStatus: domain.ApprovalApproved,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := e.Repo.InsertTask(ctx, tx.Tx, t); err != nil {
			return nil, err
		}
		if err := tx.Append(ctx, events.Record{
			Type:          "task.created",
			ProjectID:     t.ProjectID,
			EntityType:    "task",
			EntityID:      t.ID,
			NewState:      string(t.Status),
			ActingAgentID: actingAgentID,
			Reason:        "audit rule fired",
			Metadata: events.EventPayload{
				"auditRuleId":  rule.ID,
				"auditId":      rule.AuditID,
				"sourceTaskId": source.ID,
				"order":        tmpl.Order,
			},
		}); err != nil {
			return nil, err
		}
		idByOrder[tmpl.Order] = t.ID
		created = append(created, t)
	}
	return created, nil
}

// FireRule runs a rule against a source task on demand. Like trigger
// firing it always creates a fresh batch of tasks.
func (e Engine) FireRule(ctx context.Context, ruleID, sourceTaskID, actingAgentID string) (FiredRule, []domain.Task, error) {
	var (
		fr      FiredRule
		created []domain.Task
	)
	err := e.InTx(ctx, "fire rule", func(tx *Tx) error {
		rule, err := e.Repo.GetRuleTx(ctx, tx.Tx, ruleID)
		if err != nil {
			return notFound(err, "audit rule", ruleID)
		}
		audit, err := e.Repo.GetAuditTx(ctx, tx.Tx, rule.AuditID)
		if err != nil {
			return notFound(err, "audit", rule.AuditID)
		}
		if audit.Status != domain.AuditActive {
			return validation("audit_id", "audit %s is %s", audit.ID, audit.Status)
		}
		if !rule.IsEnabled {
			return validation("rule_id", "rule %s is disabled", rule.ID)
		}
		source, err := e.Repo.GetTaskTx(ctx, tx.Tx, sourceTaskID)
		if err != nil {
			return notFound(err, "task", sourceTaskID)
		}
		created, err = e.fireRule(ctx, tx, rule, source, actingAgentID)
		if err != nil {
			return err
		}
		fr = FiredRule{RuleID: rule.ID, RuleName: rule.Name, AuditID: rule.AuditID}
		for _, t := range created {
			fr.CreatedTaskIDs = append(fr.CreatedTaskIDs, t.ID)
		}
		return nil
	})
	if err != nil {
		return FiredRule{}, nil, err
	}
	return fr, created, nil
}

type AuditCreateOptions struct {
	ID          string
	Name        string
	Description string
	Status      domain.AuditStatus
	ActorID     string
}

func (e Engine) CreateAudit(ctx context.Context, opts AuditCreateOptions) (domain.InternalAudit, error) {
	if strings.TrimSpace(opts.Name) == "" {
		return domain.InternalAudit{}, validation("name", "required")
	}
	if opts.Status == "" {
		opts.Status = domain.AuditActive
	}
	if opts.Status != domain.AuditActive && opts.Status != domain.AuditSuspended {
		return domain.InternalAudit{}, validation("status", "must be active or suspended")
	}
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	a := domain.InternalAudit{
		ID:          id,
		Name:        opts.Name,
		Description: opts.Description,
		Status:      opts.Status,
		CreatedAt:   e.nowString(),
	}
	err := e.InTx(ctx, "create audit", func(tx *Tx) error {
		if err := e.Repo.InsertAudit(ctx, tx.Tx, a); err != nil {
			return err
		}
		return tx.Append(ctx, events.Record{
			Type:          "audit.created",
			EntityType:    "audit",
			EntityID:      a.ID,
			NewState:      string(a.Status),
			ActingAgentID: opts.ActorID,
			Metadata:      events.EventPayload{"name": a.Name},
		})
	})
	if err != nil {
		return domain.InternalAudit{}, err
	}
	return a, nil
}

func (e Engine) SetAuditStatus(ctx context.Context, id string, status domain.AuditStatus, actorID string) (domain.InternalAudit, error) {
	if status != domain.AuditActive && status != domain.AuditSuspended {
		return domain.InternalAudit{}, validation("status", "must be active or suspended")
	}
	var a domain.InternalAudit
	err := e.InTx(ctx, "set audit status", func(tx *Tx) error {
		var err error
		a, err = e.Repo.GetAuditTx(ctx, tx.Tx, id)
		if err != nil {
			return notFound(err, "audit", id)
		}
		if a.Status == status {
			return nil
		}
		from := a.Status
		if err := e.Repo.UpdateAuditStatus(ctx, tx.Tx, id, status); err != nil {
			return err
		}
		a.Status = status
		return tx.Append(ctx, events.Record{
			Type:          "audit.status_changed",
			EntityType:    "audit",
			EntityID:      id,
			PreviousState: string(from),
			NewState:      string(status),
			ActingAgentID: actorID,
		})
	})
	return a, err
}

func (e Engine) GetAudit(ctx context.Context, id string) (domain.InternalAudit, error) {
	a, err := e.Repo.GetAudit(ctx, id)
	return a, wrapInfra("get audit", notFound(err, "audit", id))
}

func (e Engine) ListAudits(ctx context.Context) ([]domain.InternalAudit, error) {
	audits, err := e.Repo.ListAuditsTx(ctx, nil, "")
	return audits, wrapInfra("list audits", err)
}

type RuleCreateOptions struct {
	ID          string
	AuditID     string
	Name        string
	TriggerType domain.TriggerType
	Disabled    bool
	Templates   []domain.AuditTaskTemplate
	ActorID     string
}

func (e Engine) AddRule(ctx context.Context, opts RuleCreateOptions) (domain.AuditRule, error) {
	if err := validateTrigger(opts.TriggerType); err != nil {
		return domain.AuditRule{}, err
	}
	if err := validateTemplates(opts.Templates); err != nil {
		return domain.AuditRule{}, err
	}
	var rule domain.AuditRule
	err := e.InTx(ctx, "add audit rule", func(tx *Tx) error {
		var err error
		rule, err = e.addRule(ctx, tx, opts)
		return err
	})
	return rule, err
}

func (e Engine) addRule(ctx context.Context, tx *Tx, opts RuleCreateOptions) (domain.AuditRule, error) {
	if _, err := e.Repo.GetAuditTx(ctx, tx.Tx, opts.AuditID); err != nil {
		return domain.AuditRule{}, notFound(err, "audit", opts.AuditID)
	}
	for _, tmpl := range opts.Templates {
		if tmpl.AssigneeID == nil {
			continue
		}
		if _, err := e.Repo.GetAgentTx(ctx, tx.Tx, *tmpl.AssigneeID); err != nil {
			return domain.AuditRule{}, notFound(err, "agent", *tmpl.AssigneeID)
		}
	}
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	templates := opts.Templates
	if templates == nil {
		templates = []domain.AuditTaskTemplate{}
	}
	rule := domain.AuditRule{
		ID:          id,
		AuditID:     opts.AuditID,
		Name:        opts.Name,
		TriggerType: opts.TriggerType,
		IsEnabled:   !opts.Disabled,
		AuditTasks:  templates,
		CreatedAt:   e.nowString(),
	}
	if err := e.Repo.InsertRule(ctx, tx.Tx, rule); err != nil {
		return domain.AuditRule{}, err
	}
	return rule, tx.Append(ctx, events.Record{
		Type:          "audit_rule.created",
		EntityType:    "audit_rule",
		EntityID:      rule.ID,
		NewState:      enabledState(rule.IsEnabled),
		ActingAgentID: opts.ActorID,
		Metadata: events.EventPayload{
			"auditId":     rule.AuditID,
			"triggerType": string(rule.TriggerType),
			"templates":   len(rule.AuditTasks),
		},
	})
}

func (e Engine) SetRuleEnabled(ctx context.Context, id string, enabled bool, actorID string) (domain.AuditRule, error) {
	var rule domain.AuditRule
	err := e.InTx(ctx, "set rule enabled", func(tx *Tx) error {
		var err error
		rule, err = e.Repo.GetRuleTx(ctx, tx.Tx, id)
		if err != nil {
			return notFound(err, "audit rule", id)
		}
		if rule.IsEnabled == enabled {
			return nil
		}
		if err := e.Repo.SetRuleEnabled(ctx, tx.Tx, id, enabled); err != nil {
			return err
		}
		from := enabledState(rule.IsEnabled)
		rule.IsEnabled = enabled
		return tx.Append(ctx, events.Record{
			Type:          "audit_rule.updated",
			EntityType:    "audit_rule",
			EntityID:      id,
			PreviousState: from,
			NewState:      enabledState(enabled),
			ActingAgentID: actorID,
		})
	})
	return rule, err
}

func (e Engine) ListRules(ctx context.Context, auditID string) ([]domain.AuditRule, error) {
	rules, err := e.Repo.ListRulesTx(ctx, nil, repo.RuleFilters{AuditID: auditID})
	return rules, wrapInfra("list rules", err)
}

// RuleFile is the YAML layout accepted by ImportRules.
type RuleFile struct {
	Rules []struct {
		ID      string                     `yaml:"id"`
		Name    string                     `yaml:"name"`
		Trigger domain.TriggerType         `yaml:"trigger"`
		Enabled *bool                      `yaml:"enabled"`
		Tasks   []domain.AuditTaskTemplate `yaml:"tasks"`
	} `yaml:"rules"`
}

// ImportRules adds every rule in a YAML rule file to an audit, all or nothing.
func (e Engine) ImportRules(ctx context.Context, auditID string, data []byte, actorID string) ([]domain.AuditRule, error) {
	var file RuleFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, validation("rules", "invalid yaml: %v", err)
	}
	if len(file.Rules) == 0 {
		return nil, validation("rules", "file contains no rules")
	}
	opts := make([]RuleCreateOptions, 0, len(file.Rules))
	for i, r := range file.Rules {
		o := RuleCreateOptions{
			ID:          r.ID,
			AuditID:     auditID,
			Name:        r.Name,
			TriggerType: r.Trigger,
			Disabled:    r.Enabled != nil && !*r.Enabled,
			Templates:   r.Tasks,
			ActorID:     actorID,
		}
		if err := validateTrigger(o.TriggerType); err != nil {
			return nil, fmt.Errorf("rules[%d]: %w", i, err)
		}
		if err := validateTemplates(o.Templates); err != nil {
			return nil, fmt.Errorf("rules[%d]: %w", i, err)
		}
		opts = append(opts, o)
	}
	var rules []domain.AuditRule
	err := e.InTx(ctx, "import rules", func(tx *Tx) error {
		for _, o := range opts {
			rule, err := e.addRule(ctx, tx, o)
			if err != nil {
				return err
			}
			rules = append(rules, rule)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rules, nil
}

func validateTrigger(t domain.TriggerType) error {
	switch t {
	case domain.TriggerTaskCompleted, domain.TriggerTaskBlocked:
		return nil
	}
	return validation("trigger_type", "must be %s or %s", domain.TriggerTaskCompleted, domain.TriggerTaskBlocked)
}

func validateTemplates(templates []domain.AuditTaskTemplate) error {
	seen := map[int]bool{}
	for i, tmpl := range templates {
		if tmpl.Order < 1 {
			return validation(fmt.Sprintf("audit_tasks[%d].order", i), "must be >= 1")
		}
		if seen[tmpl.Order] {
			return validation(fmt.Sprintf("audit_tasks[%d].order", i), "duplicate order %d", tmpl.Order)
		}
		seen[tmpl.Order] = true
		if strings.TrimSpace(tmpl.Title) == "" {
			return validation(fmt.Sprintf("audit_tasks[%d].title", i), "required")
		}
	}
	return nil
}

func enabledState(enabled bool) string {
	if enabled {
		return "enabled"
	}
	return "disabled"
}
