package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTypePredicates(t *testing.T) {
	t.Run("Validation", func(t *testing.T) {
		err := NewValidation("content cannot be empty")
		assert.True(t, IsValidation(err))
		assert.False(t, IsNotFound(err))
		assert.Equal(t, 400, err.HTTPStatus())
	})

	t.Run("Authorization", func(t *testing.T) {
		err := NewAuthorization(CodeProjectAccessDenied, "no access to project")
		assert.True(t, IsAuthorization(err))
		assert.Equal(t, CodeProjectAccessDenied, err.Code)
		assert.Equal(t, 403, err.HTTPStatus())
	})

	t.Run("PredicatesSeeThroughWrapping", func(t *testing.T) {
		inner := NewNotFound("entity not found")
		outer := fmt.Errorf("loading entity: %w", inner)
		assert.True(t, IsNotFound(outer))
	})
}

func TestWrapPreservesType(t *testing.T) {
	err := NewConflict("slug already taken")
	wrapped := Wrap(err, "failed to create project")

	require.Error(t, wrapped)
	assert.True(t, IsConflict(wrapped))
	assert.Contains(t, wrapped.Error(), "failed to create project")
	assert.Contains(t, wrapped.Error(), "slug already taken")
}

func TestWrapUnknownBecomesInternal(t *testing.T) {
	wrapped := Wrap(errors.New("connection reset"), "failed to query graph")
	require.Error(t, wrapped)
	assert.True(t, IsInternal(wrapped))

	appErr := AsApp(wrapped)
	assert.NotEmpty(t, appErr.Reference, "internal errors carry a reference ID")
}

func TestWrapNilReturnsNil(t *testing.T) {
	assert.NoError(t, Wrap(nil, "context"))
}

func TestInvalidTransitionDetails(t *testing.T) {
	err := NewInvalidTransition("todo", "done", []string{"doing", "blocked", "cancelled"})

	assert.True(t, IsInvalidTransition(err))
	assert.Equal(t, 400, err.HTTPStatus())
	assert.Equal(t, "todo", err.Details["current_state"])
	assert.Equal(t, "done", err.Details["target_state"])
	assert.ElementsMatch(t, []string{"doing", "blocked", "cancelled"}, err.Details["allowed_states"])
}

func TestRetryableFlag(t *testing.T) {
	assert.True(t, IsRetryable(NewUnavailable("graph down", nil)))
	assert.True(t, IsRetryable(NewTimeout("query exceeded deadline", nil)))
	assert.False(t, IsRetryable(NewValidation("bad input")))
	assert.False(t, IsRetryable(NewInternal("boom", nil)))
}

func TestHTTPStatusMapping(t *testing.T) {
	cases := []struct {
		err    *AppError
		status int
	}{
		{NewValidation("x"), 400},
		{NewAuthentication("x"), 401},
		{NewAuthorization(CodeOrgAccessDenied, "x"), 403},
		{NewNotFound("x"), 404},
		{NewConflict("x"), 409},
		{NewUnavailable("x", nil), 503},
		{NewTimeout("x", nil), 504},
		{NewInternal("x", nil), 500},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.status, tc.err.HTTPStatus(), "type %s", tc.err.Type)
	}
}
