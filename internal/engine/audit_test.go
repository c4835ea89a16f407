package engine_test

import (
	"errors"
	"slices"
	"strings"
	"testing"

	"crewline/internal/domain"
	"crewline/internal/engine"
	"crewline/internal/repo"
)

func (env testEnv) audit(t *testing.T, name string) domain.InternalAudit {
	t.Helper()
	a, err := env.Engine.CreateAudit(env.Ctx, engine.AuditCreateOptions{Name: name, ActorID: "tester"})
	if err != nil {
		t.Fatalf("create audit: %v", err)
	}
	return a
}

func (env testEnv) rule(t *testing.T, auditID string, trigger domain.TriggerType, templates ...domain.AuditTaskTemplate) domain.AuditRule {
	t.Helper()
	r, err := env.Engine.AddRule(env.Ctx, engine.RuleCreateOptions{
		AuditID:     auditID,
		Name:        "rule",
		TriggerType: trigger,
		Templates:   templates,
		ActorID:     "tester",
	})
	if err != nil {
		t.Fatalf("add rule: %v", err)
	}
	return r
}

func (env testEnv) createdBy(t *testing.T, fr engine.FiredRule) map[string]domain.Task {
	t.Helper()
	byTitle := map[string]domain.Task{}
	for _, id := range fr.CreatedTaskIDs {
		task, err := env.Engine.GetTask(env.Ctx, id)
		if err != nil {
			t.Fatalf("get created task: %v", err)
		}
		byTitle[task.Title] = task
	}
	return byTitle
}

func TestScenarioRuleFiresOnCompletion(t *testing.T) {
	env := newTestEnv(t)
	env.agent(t, "w1", "", 1)
	reviewer := "w1"
	audit := env.audit(t, "code review")
	rule := env.rule(t, audit.ID, domain.TriggerTaskCompleted,
		domain.AuditTaskTemplate{Order: 1, Title: "Review", Priority: 2, AssigneeID: &reviewer},
		domain.AuditTaskTemplate{Order: 2, Title: "Merge", DependsOnOrders: []int{1}},
	)
	source := env.task(t, engine.TaskCreateOptions{Title: "X", AssigneeID: "w1"})
	env.move(t, source.ID, "w1", domain.StatusTodo, domain.StatusInProgress)

	res := env.move(t, source.ID, "w1", domain.StatusDone)
	if len(res.FiredRules) != 1 {
		t.Fatalf("fired rules = %+v", res.FiredRules)
	}
	fr := res.FiredRules[0]
	if fr.RuleID != rule.ID || fr.AuditID != audit.ID || len(fr.CreatedTaskIDs) != 2 {
		t.Fatalf("unexpected fired rule %+v", fr)
	}
	created := env.createdBy(t, fr)
	review, ok := created["Review [Audit: X]"]
	if !ok {
		t.Fatalf("review task missing: %v", created)
	}
	merge, ok := created["Merge [Audit: X]"]
	if !ok {
		t.Fatalf("merge task missing: %v", created)
	}
	if !slices.Equal(merge.Dependencies, []string{review.ID}) {
		t.Fatalf("merge deps = %v, want [%s]", merge.Dependencies, review.ID)
	}
	if review.Status != domain.StatusBacklog || review.ProjectID != source.ProjectID || review.Priority != 2 {
		t.Fatalf("unexpected review task %+v", review)
	}
	if review.AssigneeID == nil || *review.AssigneeID != "w1" {
		t.Fatalf("review assignee = %v", review.AssigneeID)
	}

	evts, err := env.Engine.ListEvents(env.Ctx, repo.EventFilters{EntityType: "task", EntityID: merge.ID})
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(evts) != 1 || evts[0].Type != "task.created" {
		t.Fatalf("merge events = %+v", evts)
	}
	meta := evts[0].Metadata
	if meta["auditRuleId"] != rule.ID || meta["auditId"] != audit.ID || meta["sourceTaskId"] != source.ID {
		t.Fatalf("creation metadata = %v", meta)
	}
}

func TestRuleOrderResolution(t *testing.T) {
	env := newTestEnv(t)
	audit := env.audit(t, "release")
	rule := env.rule(t, audit.ID, domain.TriggerTaskCompleted,
		domain.AuditTaskTemplate{Order: 3, Title: "Ship", DependsOnOrders: []int{3, 5, 1, 2}},
		domain.AuditTaskTemplate{Order: 1, Title: "Review", DependsOnOrders: []int{1, 2}},
		domain.AuditTaskTemplate{Order: 2, Title: "Merge", DependsOnOrders: []int{1, 1}},
	)
	source := env.task(t, engine.TaskCreateOptions{Title: "X"})

	fr, created, err := env.Engine.FireRule(env.Ctx, rule.ID, source.ID, "tester")
	if err != nil {
		t.Fatalf("fire rule: %v", err)
	}
	if len(created) != 3 || created[0].Title != "Review [Audit: X]" || created[2].Title != "Ship [Audit: X]" {
		t.Fatalf("tasks not created in ascending order: %+v", created)
	}
	byTitle := env.createdBy(t, fr)
	review, merge, ship := byTitle["Review [Audit: X]"], byTitle["Merge [Audit: X]"], byTitle["Ship [Audit: X]"]
	if len(review.Dependencies) != 0 {
		t.Fatalf("self and forward references must be dropped, got %v", review.Dependencies)
	}
	if !slices.Equal(merge.Dependencies, []string{review.ID}) {
		t.Fatalf("merge deps = %v", merge.Dependencies)
	}
	if !slices.Equal(ship.Dependencies, []string{review.ID, merge.ID}) {
		t.Fatalf("ship deps = %v", ship.Dependencies)
	}
}

func TestFireRuleIsNotIdempotent(t *testing.T) {
	env := newTestEnv(t)
	audit := env.audit(t, "a")
	rule := env.rule(t, audit.ID, domain.TriggerTaskCompleted, domain.AuditTaskTemplate{Order: 1, Title: "Check"})
	source := env.task(t, engine.TaskCreateOptions{Title: "X"})
	first, _, err := env.Engine.FireRule(env.Ctx, rule.ID, source.ID, "tester")
	if err != nil {
		t.Fatal(err)
	}
	second, _, err := env.Engine.FireRule(env.Ctx, rule.ID, source.ID, "tester")
	if err != nil {
		t.Fatal(err)
	}
	if first.CreatedTaskIDs[0] == second.CreatedTaskIDs[0] {
		t.Fatalf("each firing must create fresh tasks")
	}
}

func TestFireRuleRejectsEmptyTemplates(t *testing.T) {
	env := newTestEnv(t)
	audit := env.audit(t, "a")
	rule := env.rule(t, audit.ID, domain.TriggerTaskCompleted)
	source := env.task(t, engine.TaskCreateOptions{Title: "X"})
	_, _, err := env.Engine.FireRule(env.Ctx, rule.ID, source.ID, "tester")
	if engine.CodeOf(err) != engine.CodeValidationFailed {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestTriggersOnlyForActiveAuditsAndEnabledRules(t *testing.T) {
	env := newTestEnv(t)
	env.agent(t, "w1", "", 3)
	suspended := env.audit(t, "suspended")
	env.rule(t, suspended.ID, domain.TriggerTaskCompleted, domain.AuditTaskTemplate{Order: 1, Title: "Never"})
	if _, err := env.Engine.SetAuditStatus(env.Ctx, suspended.ID, domain.AuditSuspended, "tester"); err != nil {
		t.Fatalf("suspend: %v", err)
	}
	active := env.audit(t, "active")
	disabled := env.rule(t, active.ID, domain.TriggerTaskCompleted, domain.AuditTaskTemplate{Order: 1, Title: "Disabled"})
	if _, err := env.Engine.SetRuleEnabled(env.Ctx, disabled.ID, false, "tester"); err != nil {
		t.Fatalf("disable: %v", err)
	}
	env.rule(t, active.ID, domain.TriggerTaskCompleted)
	env.rule(t, active.ID, domain.TriggerTaskBlocked, domain.AuditTaskTemplate{Order: 1, Title: "Other trigger"})

	task := env.task(t, engine.TaskCreateOptions{Title: "X", AssigneeID: "w1"})
	res := env.move(t, task.ID, "w1", domain.StatusTodo, domain.StatusInProgress, domain.StatusDone)
	if len(res.FiredRules) != 0 {
		t.Fatalf("no rule should fire, got %+v", res.FiredRules)
	}
}

func TestBlockedTriggerFiresOnDirectBlockOnly(t *testing.T) {
	env := newTestEnv(t)
	env.agent(t, "w1", "", 1)
	audit := env.audit(t, "incident")
	env.rule(t, audit.ID, domain.TriggerTaskBlocked, domain.AuditTaskTemplate{Order: 1, Title: "Investigate"})
	parent := env.task(t, engine.TaskCreateOptions{Title: "P", AssigneeID: "w1"})
	env.task(t, engine.TaskCreateOptions{Title: "C", ParentTaskID: parent.ID})
	env.move(t, parent.ID, "w1", domain.StatusTodo, domain.StatusInProgress)

	res := env.move(t, parent.ID, "w1", domain.StatusBlocked)
	if len(res.Cascaded) != 1 {
		t.Fatalf("cascaded = %+v", res.Cascaded)
	}
	if len(res.FiredRules) != 1 || len(res.FiredRules[0].CreatedTaskIDs) != 1 {
		t.Fatalf("expected one firing for the direct block, got %+v", res.FiredRules)
	}
}

func TestAddRuleValidation(t *testing.T) {
	env := newTestEnv(t)
	audit := env.audit(t, "a")
	ghost := "ghost"
	cases := []struct {
		name string
		opts engine.RuleCreateOptions
		code engine.Code
	}{
		{"bad trigger", engine.RuleCreateOptions{AuditID: audit.ID, TriggerType: "taskStarted"}, engine.CodeValidationFailed},
		{"zero order", engine.RuleCreateOptions{AuditID: audit.ID, TriggerType: domain.TriggerTaskCompleted,
			Templates: []domain.AuditTaskTemplate{{Order: 0, Title: "x"}}}, engine.CodeValidationFailed},
		{"duplicate order", engine.RuleCreateOptions{AuditID: audit.ID, TriggerType: domain.TriggerTaskCompleted,
			Templates: []domain.AuditTaskTemplate{{Order: 1, Title: "x"}, {Order: 1, Title: "y"}}}, engine.CodeValidationFailed},
		{"missing title", engine.RuleCreateOptions{AuditID: audit.ID, TriggerType: domain.TriggerTaskCompleted,
			Templates: []domain.AuditTaskTemplate{{Order: 1}}}, engine.CodeValidationFailed},
		{"unknown audit", engine.RuleCreateOptions{AuditID: "nope", TriggerType: domain.TriggerTaskCompleted}, engine.CodeNotFound},
		{"unknown assignee", engine.RuleCreateOptions{AuditID: audit.ID, TriggerType: domain.TriggerTaskCompleted,
			Templates: []domain.AuditTaskTemplate{{Order: 1, Title: "x", AssigneeID: &ghost}}}, engine.CodeNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := env.Engine.AddRule(env.Ctx, tc.opts)
			if got := engine.CodeOf(err); got != tc.code {
				t.Fatalf("code = %s, want %s (err %v)", got, tc.code, err)
			}
		})
	}
}

func TestImportRules(t *testing.T) {
	env := newTestEnv(t)
	audit := env.audit(t, "imported")
	data := []byte(`
rules:
  - id: review-on-done
    name: Review on completion
    trigger: taskCompleted
    tasks:
      - order: 1
        title: Review
      - order: 2
        title: Merge
        depends_on_orders: [1]
  - id: triage-on-block
    trigger: taskBlocked
    enabled: false
    tasks:
      - order: 1
        title: Triage
`)
	rules, err := env.Engine.ImportRules(env.Ctx, audit.ID, data, "tester")
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if len(rules) != 2 || rules[0].ID != "review-on-done" || rules[1].IsEnabled {
		t.Fatalf("imported = %+v", rules)
	}
	if got := rules[0].AuditTasks[1].DependsOnOrders; !slices.Equal(got, []int{1}) {
		t.Fatalf("depends_on_orders = %v", got)
	}
	listed, err := env.Engine.ListRules(env.Ctx, audit.ID)
	if err != nil || len(listed) != 2 {
		t.Fatalf("list rules: %v %+v", err, listed)
	}

	bad := []byte("rules:\n  - id: ok\n    trigger: taskCompleted\n  - id: broken\n    trigger: nope\n")
	_, err = env.Engine.ImportRules(env.Ctx, audit.ID, bad, "tester")
	var verr *engine.ValidationError
	if !errors.As(err, &verr) || !strings.Contains(err.Error(), "rules[1]") {
		t.Fatalf("expected validation error for second rule, got %v", err)
	}
	listed, _ = env.Engine.ListRules(env.Ctx, audit.ID)
	if len(listed) != 2 {
		t.Fatalf("failed import must not add rules, have %d", len(listed))
	}
}
