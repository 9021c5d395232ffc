package authorization

import (
	"context"
	"testing"

	"github.com/smallbiznis/billingcore/internal/errs"
	"github.com/smallbiznis/billingcore/internal/orgcontext"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newService(t *testing.T) Service {
	t.Helper()
	enforcer, err := NewEnforcer()
	require.NoError(t, err)
	return NewService(Params{Log: zap.NewNop(), Enforcer: enforcer})
}

func TestAuthorizeRoles(t *testing.T) {
	svc := newService(t)
	tenant := TenantActor("42")
	cases := []struct {
		actor   Actor
		object  string
		action  string
		allowed bool
	}{
		{tenant, ObjectSubscription, ActionCreate, true},
		{tenant, ObjectSubscription, ActionCancel, true},
		{tenant, ObjectUsage, ActionIngest, true},
		{tenant, ObjectSubscription, ActionApprove, false},
		{tenant, ObjectCatalog, ActionCreate, false},
		{tenant, ObjectOperation, ActionRetry, false},
		{ActorOperator, ObjectSubscription, ActionApprove, true},
		{ActorOperator, ObjectCatalog, ActionCreate, true},
		{ActorOperator, ObjectOperation, ActionRetry, true},
		{ActorOperator, ObjectUsage, ActionIngest, false},
		{ActorSystem, ObjectScheduler, ActionRun, true},
		{ActorSystem, ObjectCatalog, ActionCreate, false},
	}
	for _, tc := range cases {
		err := svc.Authorize(context.Background(), tc.actor, tc.object, tc.action)
		if tc.allowed {
			assert.NoError(t, err, "%s %s %s", tc.actor, tc.object, tc.action)
		} else {
			assert.ErrorIs(t, err, ErrForbidden, "%s %s %s", tc.actor, tc.object, tc.action)
		}
	}
}

func TestAuthorizeRejectsUnknownActor(t *testing.T) {
	svc := newService(t)
	for _, actor := range []Actor{"", "org:", "user:1"} {
		err := svc.Authorize(context.Background(), actor, ObjectSubscription, ActionView)
		require.ErrorIs(t, err, errs.ErrValidation)
		assert.Equal(t, "actor", errs.FieldOf(err))
	}
}

func TestActorFromContext(t *testing.T) {
	_, err := ActorFromContext(context.Background())
	assert.ErrorIs(t, err, ErrInvalidActor)

	actor, err := ActorFromContext(orgcontext.WithOrgID(context.Background(), 42))
	require.NoError(t, err)
	assert.Equal(t, Actor("org:42"), actor)

	ctx := orgcontext.WithOperator(orgcontext.WithOrgID(context.Background(), 42))
	actor, err = ActorFromContext(ctx)
	require.NoError(t, err)
	assert.Equal(t, ActorOperator, actor)
}
