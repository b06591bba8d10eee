package ctxkeys

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRequestID(t *testing.T) {
	_, ok := RequestID(context.Background())
	assert.False(t, ok)

	ctx := WithRequestID(context.Background(), "req-1")
	id, ok := RequestID(ctx)
	assert.True(t, ok)
	assert.Equal(t, "req-1", id)

	_, ok = RequestID(WithRequestID(context.Background(), ""))
	assert.False(t, ok, "empty id is treated as absent")
}

func TestExecutionID(t *testing.T) {
	ctx := WithExecutionID(WithRequestID(context.Background(), "req-1"), "exec-9")
	id, ok := ExecutionID(ctx)
	assert.True(t, ok)
	assert.Equal(t, "exec-9", id)

	rid, _ := RequestID(ctx)
	assert.Equal(t, "req-1", rid)
}
