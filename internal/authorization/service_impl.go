// Package authorization decides which actor may perform which billing action.
package authorization

import (
	"context"
	"errors"
	"strings"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	"github.com/smallbiznis/billingcore/internal/errs"
	"github.com/smallbiznis/billingcore/internal/orgcontext"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const modelText = `
[request_definition]
r = sub, obj, act

[policy_definition]
p = sub, obj, act

[role_definition]
g = _, _

[policy_effect]
e = some(where (p.eft == allow))

[matchers]
m = g(r.sub, p.sub) && r.obj == p.obj && (r.act == p.act || p.act == "*")
`

const (
	RoleTenant   = "role:tenant"
	RoleOperator = "role:operator"
	RoleSystem   = "role:system"
)

const (
	ObjectCatalog      = "catalog"
	ObjectSubscription = "subscription"
	ObjectUsage        = "usage"
	ObjectCharge       = "charge"
	ObjectOperation    = "gateway_operation"
	ObjectScheduler    = "scheduler"
)

const (
	ActionView       = "view"
	ActionCreate     = "create"
	ActionCancel     = "cancel"
	ActionReactivate = "reactivate"
	ActionUpgrade    = "upgrade"
	ActionApprove    = "approve"
	ActionReconcile  = "reconcile"
	ActionIngest     = "ingest"
	ActionRetry      = "retry"
	ActionRun        = "run"
)

var (
	ErrForbidden    = errors.New("forbidden")
	ErrInvalidActor = errors.New("invalid_actor")
)

// Actor is the subject of an authorization decision.
type Actor string

const (
	ActorSystem   Actor = "system"
	ActorOperator Actor = "operator"
)

func TenantActor(orgID string) Actor {
	return Actor("org:" + strings.TrimSpace(orgID))
}

// ActorFromContext maps the request context to an actor. Operators win over
// a tenant header so operator tooling can act on a specific org.
func ActorFromContext(ctx context.Context) (Actor, error) {
	if orgcontext.IsOperator(ctx) {
		return ActorOperator, nil
	}
	if orgID, ok := orgcontext.OrgIDFromContext(ctx); ok {
		return TenantActor(orgID.String()), nil
	}
	return "", ErrInvalidActor
}

type Service interface {
	Authorize(ctx context.Context, actor Actor, object, action string) error
}

type Params struct {
	fx.In

	Log      *zap.Logger
	Enforcer *casbin.SyncedEnforcer
}

type ServiceImpl struct {
	log      *zap.Logger
	enforcer *casbin.SyncedEnforcer
}

func NewEnforcer() (*casbin.SyncedEnforcer, error) {
	m, err := model.NewModelFromString(modelText)
	if err != nil {
		return nil, err
	}
	enforcer, err := casbin.NewSyncedEnforcer(m)
	if err != nil {
		return nil, err
	}
	if err := seedPolicies(enforcer); err != nil {
		return nil, err
	}
	return enforcer, nil
}

func NewService(p Params) Service {
	return &ServiceImpl{
		log:      p.Log.Named("authorization.service"),
		enforcer: p.Enforcer,
	}
}

func (s *ServiceImpl) Authorize(ctx context.Context, actor Actor, object string, action string) error {
	subject, role, err := resolve(actor)
	if err != nil {
		return errs.Validation(err, "actor")
	}
	if err := s.ensureGrouping(subject, role); err != nil {
		return err
	}

	allowed, err := s.enforcer.Enforce(subject, object, action)
	if err != nil {
		return err
	}
	if !allowed {
		s.log.Warn("authorization denied",
			zap.String("actor", subject),
			zap.String("object", object),
			zap.String("action", action),
		)
		return ErrForbidden
	}
	return nil
}

func resolve(actor Actor) (string, string, error) {
	raw := strings.TrimSpace(string(actor))
	switch {
	case raw == string(ActorSystem):
		return raw, RoleSystem, nil
	case raw == string(ActorOperator):
		return raw, RoleOperator, nil
	case strings.HasPrefix(raw, "org:") && len(raw) > len("org:"):
		return raw, RoleTenant, nil
	}
	return "", "", ErrInvalidActor
}

func (s *ServiceImpl) ensureGrouping(subject, role string) error {
	has, err := s.enforcer.HasGroupingPolicy(subject, role)
	if err != nil {
		return err
	}
	if has {
		return nil
	}
	_, err = s.enforcer.AddGroupingPolicy(subject, role)
	return err
}

func seedPolicies(enforcer *casbin.SyncedEnforcer) error {
	policies := [][]string{
		{RoleTenant, ObjectCatalog, ActionView},
		{RoleTenant, ObjectSubscription, ActionView},
		{RoleTenant, ObjectSubscription, ActionCreate},
		{RoleTenant, ObjectSubscription, ActionCancel},
		{RoleTenant, ObjectSubscription, ActionReactivate},
		{RoleTenant, ObjectSubscription, ActionUpgrade},
		{RoleTenant, ObjectUsage, ActionView},
		{RoleTenant, ObjectUsage, ActionIngest},
		{RoleTenant, ObjectCharge, ActionView},

		{RoleOperator, ObjectCatalog, "*"},
		{RoleOperator, ObjectSubscription, "*"},
		{RoleOperator, ObjectUsage, ActionView},
		{RoleOperator, ObjectCharge, ActionView},
		{RoleOperator, ObjectOperation, "*"},

		// Scheduler and webhook processing.
		{RoleSystem, ObjectSubscription, "*"},
		{RoleSystem, ObjectCharge, "*"},
		{RoleSystem, ObjectOperation, ActionRetry},
		{RoleSystem, ObjectScheduler, ActionRun},
	}
	for _, policy := range policies {
		if _, err := enforcer.AddPolicy(policy); err != nil {
			return err
		}
	}
	return nil
}
