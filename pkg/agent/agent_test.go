package agent_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stepflow-io/stepflow/pkg/agent"
	"github.com/stepflow-io/stepflow/pkg/core"
)

func echo(ctx context.Context, inputs map[string]any) (map[string]any, error) {
	return inputs, nil
}

func TestResolver_RegisterAndInvoke(t *testing.T) {
	r := agent.NewResolver()
	require.NoError(t, r.Register("crm.enrich", echo))
	assert.True(t, r.Has("crm.enrich"))
	assert.False(t, r.Has("crm.other"))

	out, err := r.Invoke(context.Background(), "crm.enrich", map[string]any{"email": "dana@example.com"}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "dana@example.com", out["email"])
}

func TestResolver_RegisterRejects(t *testing.T) {
	r := agent.NewResolver()
	assert.Error(t, r.Register("", echo))
	assert.Error(t, r.Register("1bad", echo))
	assert.Error(t, r.Register("ok.name", nil))

	require.NoError(t, r.Register("crm.enrich", echo))
	assert.Error(t, r.Register("crm.enrich", echo), "double registration")
}

func TestResolver_InvokeUnregistered(t *testing.T) {
	r := agent.NewResolver()
	_, err := r.Invoke(context.Background(), "nobody.home", nil, time.Second)
	var capErr *core.CapabilityError
	require.ErrorAs(t, err, &capErr)
	assert.Equal(t, "nobody.home", capErr.Capability)
}

func TestResolver_InvokeError(t *testing.T) {
	r := agent.NewResolver()
	boom := errors.New("upstream down")
	r.MustRegister("flaky.tool", func(ctx context.Context, inputs map[string]any) (map[string]any, error) {
		return nil, boom
	})

	_, err := r.Invoke(context.Background(), "flaky.tool", nil, time.Second)
	var capErr *core.CapabilityError
	require.ErrorAs(t, err, &capErr)
	assert.ErrorIs(t, err, boom)
}

func TestResolver_InvokeNilOutput(t *testing.T) {
	r := agent.NewResolver()
	r.MustRegister("quiet.tool", func(ctx context.Context, inputs map[string]any) (map[string]any, error) {
		return nil, nil
	})

	_, err := r.Invoke(context.Background(), "quiet.tool", nil, time.Second)
	var capErr *core.CapabilityError
	assert.ErrorAs(t, err, &capErr, "nil output is malformed, not success")
}

func TestResolver_InvokeTimeout(t *testing.T) {
	r := agent.NewResolver()
	r.MustRegister("slow.tool", func(ctx context.Context, inputs map[string]any) (map[string]any, error) {
		select {
		case <-time.After(10 * time.Second):
			return map[string]any{}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})

	start := time.Now()
	_, err := r.Invoke(context.Background(), "slow.tool", nil, 20*time.Millisecond)
	var capErr *core.CapabilityError
	require.ErrorAs(t, err, &capErr)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestResolver_InvokePanicIsContained(t *testing.T) {
	r := agent.NewResolver()
	r.MustRegister("angry.tool", func(ctx context.Context, inputs map[string]any) (map[string]any, error) {
		panic("tool bug")
	})

	_, err := r.Invoke(context.Background(), "angry.tool", nil, time.Second)
	var capErr *core.CapabilityError
	require.ErrorAs(t, err, &capErr)
	assert.Contains(t, err.Error(), "tool bug")
}

func TestResolver_MustRegisterPanics(t *testing.T) {
	r := agent.NewResolver()
	assert.Panics(t, func() { r.MustRegister("", echo) })
}
