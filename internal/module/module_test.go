package module_test

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rakunlabs/at/internal/model"
	"github.com/rakunlabs/at/internal/module"
	"github.com/rakunlabs/at/internal/store/memory"
)

type stubRunner struct {
	calls   atomic.Int64
	stopOn  string
	replies map[string]string
}

func (s *stubRunner) Run(_ context.Context, mod model.Module, _ model.Interaction) (string, bool, error) {
	s.calls.Add(1)
	return s.replies[mod.Name], mod.Name != s.stopOn, nil
}

func TestActivatorStopsAfterBand(t *testing.T) {
	ctx := context.Background()
	st := memory.New()

	_, err := st.AddModule(ctx, model.Module{Name: "gate", Priority: 1, Enabled: true})
	require.NoError(t, err)
	_, err = st.AddModule(ctx, model.Module{Name: "never", Priority: 2, Enabled: true})
	require.NoError(t, err)

	runner := &stubRunner{stopOn: "gate", replies: map[string]string{}}
	act := module.New(st, runner, 0)

	results, err := act.Process(ctx, model.Interaction{Body: "hi", Datatype: model.DatatypeText})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "gate", results[0].Module.Name)
	require.EqualValues(t, 1, runner.calls.Load())
}

func TestActivatorFiltersByDatatypeAndCondition(t *testing.T) {
	ctx := context.Background()
	st := memory.New()

	_, err := st.AddModule(ctx, model.Module{Name: "weather", Priority: 1, Enabled: true, Condition: "weather"})
	require.NoError(t, err)
	_, err = st.AddModule(ctx, model.Module{Name: "always", Priority: 1, Enabled: true})
	require.NoError(t, err)
	_, err = st.AddModule(ctx, model.Module{Name: "images", Priority: 1, Enabled: true, Datatype: "image/png"})
	require.NoError(t, err)

	runner := &stubRunner{replies: map[string]string{}}
	act := module.New(st, runner, 4)

	results, err := act.Process(ctx, model.Interaction{Body: "what is the WEATHER", Datatype: model.DatatypeText})
	require.NoError(t, err)
	require.Len(t, results, 2)

	results, err = act.Process(ctx, model.Interaction{Body: "hello", Datatype: model.DatatypeText})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "always", results[0].Module.Name)
}

func TestActivatorFailOpenOnRunnerError(t *testing.T) {
	ctx := context.Background()
	st := memory.New()

	_, err := st.AddModule(ctx, model.Module{Name: "broken", Priority: 1, Enabled: true})
	require.NoError(t, err)
	_, err = st.AddModule(ctx, model.Module{Name: "after", Priority: 2, Enabled: true})
	require.NoError(t, err)

	act := module.New(st, erroringRunner{}, 0)

	results, err := act.Process(ctx, model.Interaction{Body: "x", Datatype: model.DatatypeText})
	require.NoError(t, err)
	require.Len(t, results, 2)
}

type erroringRunner struct{}

func (erroringRunner) Run(context.Context, model.Module, model.Interaction) (string, bool, error) {
	return "", false, assertErr{}
}

type assertErr struct{}

func (assertErr) Error() string { return "boom" }
