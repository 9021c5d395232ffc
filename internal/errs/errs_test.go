package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

var errQuantity = errors.New("invalid_quantity")

func TestKindsMatchSentinelAndKind(t *testing.T) {
	err := Validation(errQuantity, "quantity")

	assert.True(t, errors.Is(err, ErrValidation))
	assert.True(t, errors.Is(err, errQuantity))
	assert.False(t, errors.Is(err, ErrConflict))
	assert.Equal(t, "quantity", FieldOf(err))
	assert.Equal(t, "invalid_quantity", CodeOf(err))
	assert.Equal(t, ErrValidation, KindOf(err))
}

func TestWrapKeepsKindThroughFmt(t *testing.T) {
	err := fmt.Errorf("create subscription: %w", Conflict(errors.New("subscription_exists")))

	assert.Equal(t, ErrConflict, KindOf(err))
	assert.Equal(t, "subscription_exists", CodeOf(err))
}

func TestWrapNilAndDoubleWrap(t *testing.T) {
	assert.NoError(t, NotFound(nil))

	once := Transient(errors.New("timeout"))
	twice := Transient(once)
	assert.Same(t, once, twice)
	assert.Nil(t, KindOf(errors.New("plain")))
}
