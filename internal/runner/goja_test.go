package runner_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rakunlabs/at/internal/model"
	"github.com/rakunlabs/at/internal/runner"
)

func TestGojaRunnerReplyAndProceed(t *testing.T) {
	source := runner.StaticSource{
		"echo.js": `reply("echo: " + body); proceed(false);`,
	}
	r := runner.NewGojaRunner(source)

	reply, proceed, err := r.Run(context.Background(),
		model.Module{Name: "echo", Path: "echo.js"},
		model.Interaction{Body: "hello", DeviceAuthor: model.Device{Hash: "abc"}},
	)
	require.NoError(t, err)
	require.Equal(t, "echo: hello", reply)
	require.False(t, proceed)
}

func TestGojaRunnerDefaultsToProceed(t *testing.T) {
	source := runner.StaticSource{"noop.js": `1 + 1`}
	r := runner.NewGojaRunner(source)

	_, proceed, err := r.Run(context.Background(),
		model.Module{Name: "noop", Path: "noop.js"},
		model.Interaction{Body: "hi"},
	)
	require.NoError(t, err)
	require.True(t, proceed)
}

func TestGojaRunnerMissingModule(t *testing.T) {
	r := runner.NewGojaRunner(runner.StaticSource{})

	_, _, err := r.Run(context.Background(), model.Module{Name: "gone", Path: "gone.js"}, model.Interaction{})
	require.Error(t, err)
}
