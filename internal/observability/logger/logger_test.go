package logger

import (
	"context"
	"errors"
	"testing"
	"time"

	obscontext "github.com/smallbiznis/billingcore/internal/observability/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	gormlogger "gorm.io/gorm/logger"
)

func TestWithContextAddsCorrelationFields(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	base := zap.New(core)

	ctx := obscontext.WithRequestID(context.Background(), "req-1")
	ctx = obscontext.WithOrgID(ctx, "42")
	ctx = obscontext.WithActor(ctx, "tenant", "42")

	WithContext(ctx, base).Info("hello")

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "req-1", fields["request_id"])
	assert.Equal(t, "42", fields["org_id"])
	assert.Equal(t, "tenant", fields["actor_type"])
	_, hasTrace := fields["trace_id"]
	assert.False(t, hasTrace)
}

func TestOperationFromSQL(t *testing.T) {
	assert.Equal(t, "SELECT", operationFromSQL("  select * from billing.subscriptions"))
	assert.Equal(t, "UPDATE", operationFromSQL("UPDATE billing.usage_records SET billed = true"))
	assert.Equal(t, "UNKNOWN", operationFromSQL(""))
}

func TestNormalizeFormat(t *testing.T) {
	assert.Equal(t, "console", normalizeFormat(" Console "))
	assert.Equal(t, "json", normalizeFormat("text"))
}

func TestGormParamsFilterMasksProcessorTables(t *testing.T) {
	quiet := NewGormLogger(GormLoggerConfig{Level: gormlogger.Info})
	_, params := quiet.ParamsFilter(context.Background(), "SELECT * FROM billing.charges WHERE id = ?", 7)
	assert.Nil(t, params)

	verbose := NewGormLogger(GormLoggerConfig{Level: gormlogger.Info, LogParams: true})
	_, params = verbose.ParamsFilter(context.Background(), "SELECT * FROM billing.charges WHERE id = ?", 7)
	assert.Equal(t, []interface{}{7}, params)

	_, params = verbose.ParamsFilter(context.Background(),
		"INSERT INTO billing.processor_events (id, payload) VALUES (?, ?)", 1, `{"card":"4242"}`)
	assert.Equal(t, []interface{}{redacted, redacted}, params)
}

func TestGormTraceLevels(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	gl := NewGormLogger(GormLoggerConfig{
		Level:                gormlogger.Warn,
		SlowThreshold:        10 * time.Millisecond,
		IgnoreRecordNotFound: true,
		Base:                 zap.New(core),
	})
	ctx := obscontext.WithOrgID(context.Background(), "42")
	query := func() (string, int64) { return "UPDATE billing.usage_records SET billed = true", 3 }

	gl.Trace(ctx, time.Now(), query, nil)
	gl.Trace(ctx, time.Now(), query, gormlogger.ErrRecordNotFound)
	assert.Zero(t, logs.Len())

	gl.Trace(ctx, time.Now().Add(-time.Second), query, nil)
	gl.Trace(ctx, time.Now(), query, errors.New("deadlock detected"))
	require.Equal(t, 2, logs.Len())

	slow := logs.All()[0]
	assert.Equal(t, zap.WarnLevel, slow.Level)
	assert.Equal(t, true, slow.ContextMap()["slow"])
	assert.Equal(t, "billing.usage_records", slow.ContextMap()["table"])
	assert.Equal(t, "42", slow.ContextMap()["org_id"])

	failed := logs.All()[1]
	assert.Equal(t, zap.ErrorLevel, failed.Level)
	assert.Equal(t, int64(3), failed.ContextMap()["rows_affected"])

	gl.LogMode(gormlogger.Silent).Trace(ctx, time.Now(), query, errors.New("boom"))
	assert.Equal(t, 2, logs.Len())
}

func TestParseGormLevel(t *testing.T) {
	assert.Equal(t, gormlogger.Silent, ParseGormLevel("off"))
	assert.Equal(t, gormlogger.Error, ParseGormLevel(" Error "))
	assert.Equal(t, gormlogger.Info, ParseGormLevel("debug"))
	assert.Equal(t, gormlogger.Warn, ParseGormLevel("verbose"))
}

func TestTableFromSQL(t *testing.T) {
	assert.Equal(t, "billing.charges", tableFromSQL(`SELECT id FROM billing.charges WHERE subscription_id = ?`))
	assert.Equal(t, "catalog.plans", tableFromSQL(`INSERT INTO catalog.plans (id) VALUES (?)`))
	assert.Empty(t, tableFromSQL(`SELECT 1`))
}
