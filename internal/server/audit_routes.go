package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"crewline/internal/domain"
	"crewline/internal/engine"
)

type auditOutput struct {
	Body domain.InternalAudit `json:"body"`
}

type ruleOutput struct {
	Body domain.AuditRule `json:"body"`
}

type lockOutput struct {
	Body engine.LockState `json:"body"`
}

func registerAudits(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-audit",
		Method:        http.MethodPost,
		Path:          "/audits",
		Summary:       "Create audit",
		Tags:          []string{"audits"},
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body CreateAuditRequest `json:"body"`
	}) (*auditOutput, error) {
		a, err := e.CreateAudit(ctx, engine.AuditCreateOptions{
			ID:          input.Body.ID,
			Name:        input.Body.Name,
			Description: input.Body.Description,
			Status:      input.Body.Status,
			ActorID:     recordedActor(ctx),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &auditOutput{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-audits",
		Method:      http.MethodGet,
		Path:        "/audits",
		Summary:     "List audits",
		Tags:        []string{"audits"},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.InternalAudit `json:"body"`
	}, error) {
		items, err := e.ListAudits(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.InternalAudit{}
		}
		return &struct {
			Body []domain.InternalAudit `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-audit",
		Method:      http.MethodGet,
		Path:        "/audits/{audit_id}",
		Summary:     "Get audit",
		Tags:        []string{"audits"},
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AuditID string `path:"audit_id"`
	}) (*auditOutput, error) {
		a, err := e.GetAudit(ctx, input.AuditID)
		if err != nil {
			return nil, handleError(err)
		}
		return &auditOutput{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-audit-status",
		Method:      http.MethodPost,
		Path:        "/audits/{audit_id}/status",
		Summary:     "Activate or suspend audit",
		Tags:        []string{"audits"},
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AuditID string                `path:"audit_id"`
		Body    SetAuditStatusRequest `json:"body"`
	}) (*auditOutput, error) {
		a, err := e.SetAuditStatus(ctx, input.AuditID, input.Body.Status, recordedActor(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &auditOutput{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-audit-rule",
		Method:        http.MethodPost,
		Path:          "/audits/{audit_id}/rules",
		Summary:       "Add audit rule",
		Tags:          []string{"audits"},
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AuditID string            `path:"audit_id"`
		Body    CreateRuleRequest `json:"body"`
	}) (*ruleOutput, error) {
		r, err := e.AddRule(ctx, engine.RuleCreateOptions{
			ID:          input.Body.ID,
			AuditID:     input.AuditID,
			Name:        input.Body.Name,
			TriggerType: input.Body.TriggerType,
			Disabled:    input.Body.Disabled,
			Templates:   input.Body.AuditTasks,
			ActorID:     recordedActor(ctx),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &ruleOutput{Body: r}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-audit-rules",
		Method:      http.MethodGet,
		Path:        "/audits/{audit_id}/rules",
		Summary:     "List audit rules",
		Tags:        []string{"audits"},
	}, func(ctx context.Context, input *struct {
		AuditID string `path:"audit_id"`
	}) (*struct {
		Body []domain.AuditRule `json:"body"`
	}, error) {
		items, err := e.ListRules(ctx, input.AuditID)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.AuditRule{}
		}
		return &struct {
			Body []domain.AuditRule `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "import-audit-rules",
		Method:        http.MethodPost,
		Path:          "/audits/{audit_id}/rules/import",
		Summary:       "Import audit rules from YAML",
		Description:   "Either every rule in the file is stored or none is.",
		Tags:          []string{"audits"},
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AuditID string             `path:"audit_id"`
		Body    ImportRulesRequest `json:"body"`
	}) (*struct {
		Body []domain.AuditRule `json:"body"`
	}, error) {
		rules, err := e.ImportRules(ctx, input.AuditID, []byte(input.Body.YAML), recordedActor(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.AuditRule `json:"body"`
		}{Body: rules}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-rule-enabled",
		Method:      http.MethodPost,
		Path:        "/rules/{rule_id}/enabled",
		Summary:     "Enable or disable an audit rule",
		Tags:        []string{"audits"},
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RuleID string                `path:"rule_id"`
		Body   SetRuleEnabledRequest `json:"body"`
	}) (*ruleOutput, error) {
		r, err := e.SetRuleEnabled(ctx, input.RuleID, input.Body.Enabled, recordedActor(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &ruleOutput{Body: r}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "fire-rule",
		Method:      http.MethodPost,
		Path:        "/rules/{rule_id}/fire",
		Summary:     "Materialize an audit rule against a source task",
		Description: "Not idempotent: each call creates a new set of tasks.",
		Tags:        []string{"audits"},
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RuleID string          `path:"rule_id"`
		Body   FireRuleRequest `json:"body"`
	}) (*struct {
		Body FireRuleResponse `json:"body"`
	}, error) {
		fr, tasks, err := e.FireRule(ctx, input.RuleID, input.Body.SourceTaskID, recordedActor(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body FireRuleResponse `json:"body"`
		}{Body: FireRuleResponse{Rule: fr, Tasks: tasks}}, nil
	})
}

func registerLocks(api huma.API, e engine.Engine) {
	lockErrs := []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict}

	huma.Register(api, huma.Operation{
		OperationID: "lock-entity",
		Method:      http.MethodPost,
		Path:        "/locks",
		Summary:     "Lock a task or agent on behalf of an audit",
		Tags:        []string{"locks"},
		Errors:      lockErrs,
	}, func(ctx context.Context, input *struct {
		Body LockRequest `json:"body"`
	}) (*lockOutput, error) {
		st, err := e.Lock(ctx, input.Body.EntityType, input.Body.EntityID, input.Body.AuditID)
		if err != nil {
			return nil, handleError(err)
		}
		return &lockOutput{Body: st}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "unlock-entity",
		Method:      http.MethodPost,
		Path:        "/locks/release",
		Summary:     "Release a lock held by an audit",
		Tags:        []string{"locks"},
		Errors:      lockErrs,
	}, func(ctx context.Context, input *struct {
		Body LockRequest `json:"body"`
	}) (*lockOutput, error) {
		st, err := e.Unlock(ctx, input.Body.EntityType, input.Body.EntityID, input.Body.AuditID)
		if err != nil {
			return nil, handleError(err)
		}
		return &lockOutput{Body: st}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-lock",
		Method:      http.MethodGet,
		Path:        "/locks/{entity_type}/{entity_id}",
		Summary:     "Get lock state",
		Tags:        []string{"locks"},
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		EntityType engine.LockEntity `path:"entity_type" enum:"task,agent"`
		EntityID   string            `path:"entity_id"`
	}) (*lockOutput, error) {
		st, err := e.LockStateOf(ctx, input.EntityType, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		return &lockOutput{Body: st}, nil
	})
}
