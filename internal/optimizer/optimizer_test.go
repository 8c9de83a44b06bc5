package optimizer

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type echo struct {
	name string
	err  error
}

func (e echo) Name() string        { return e.name }
func (e echo) Description() string { return "echoes the query" }

func (e echo) Optimize(_ context.Context, query string) (Result, error) {
	if e.err != nil {
		return Result{}, e.err
	}
	return Result{Answer: query, TotalTokens: len(query)}, nil
}

func TestRegistryRegisterAndGet(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(echo{name: "echo"}))
	require.NoError(t, r.Register(echo{name: "alpha"}))

	o, err := r.Get("echo")
	require.NoError(t, err)
	assert.Equal(t, "echo", o.Name())
	assert.Equal(t, []string{"alpha", "echo"}, r.Names())
}

func TestRegistryRejectsDuplicatesAndEmptyNames(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(echo{name: "echo"}))
	require.ErrorIs(t, r.Register(echo{name: "echo"}), ErrDuplicate)
	require.Error(t, r.Register(echo{}))
}

func TestRegistryOptimize(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(echo{name: "echo"}))

	res, err := r.Optimize(context.Background(), "echo", "17*23")
	require.NoError(t, err)
	assert.Equal(t, "17*23", res.Answer)
	assert.Equal(t, "echo", res.Optimizer)

	_, err = r.Optimize(context.Background(), "missing", "q")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRegistryOptimizeWrapsFailure(t *testing.T) {
	boom := errors.New("boom")
	r := NewRegistry()
	require.NoError(t, r.Register(echo{name: "broken", err: boom}))

	_, err := r.Optimize(context.Background(), "broken", "q")
	require.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "optimize with broken")
}
