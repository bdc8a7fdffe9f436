package command_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rakunlabs/at/internal/command"
	"github.com/rakunlabs/at/internal/identity"
	"github.com/rakunlabs/at/internal/model"
	"github.com/rakunlabs/at/internal/store/memory"
)

type capturingReplier struct {
	hash string
	body string
}

func (c *capturingReplier) SendText(_ context.Context, hash, body string) error {
	c.hash = hash
	c.body = body
	return nil
}

func interactionFrom(hash, body string, d model.Device) model.Interaction {
	return model.Interaction{
		DeviceAuthor: d,
		Body:         body,
		Datatype:     model.DatatypeCommand,
	}
}

func TestRegisterClaimsAnonymousDevice(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	id := identity.New(st)
	reply := &capturingReplier{}
	in := command.New(id, st, reply)

	_, err := id.Register(ctx, "hash1", "phone")
	require.NoError(t, err)

	in.Dispatch(ctx, interactionFrom("hash1", "/register weasley", model.Device{Hash: "hash1"}))

	dev, err := st.DeviceByHash(ctx, "hash1")
	require.NoError(t, err)
	require.Equal(t, "weasley", dev.Username)

	var got struct {
		Registered bool   `json:"registered"`
		Username   string `json:"username"`
	}
	require.NoError(t, json.Unmarshal([]byte(reply.body), &got))
	require.True(t, got.Registered)
	require.Equal(t, "weasley", got.Username)
}

func TestRegisterRejectsDuplicateUsername(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	id := identity.New(st)
	reply := &capturingReplier{}
	in := command.New(id, st, reply)

	_, err := id.Register(ctx, "h1", "")
	require.NoError(t, err)
	_, err = id.Register(ctx, "h2", "")
	require.NoError(t, err)

	in.Dispatch(ctx, interactionFrom("h1", "/register tars", model.Device{Hash: "h1"}))
	in.Dispatch(ctx, interactionFrom("h2", "/register tars", model.Device{Hash: "h2"}))

	d1, err := st.DeviceByHash(ctx, "h1")
	require.NoError(t, err)
	require.Equal(t, "tars", d1.Username)

	d2, err := st.DeviceByHash(ctx, "h2")
	require.NoError(t, err)
	require.True(t, d2.Anonymous())

	var got struct {
		Error string `json:"error"`
	}
	require.NoError(t, json.Unmarshal([]byte(reply.body), &got))
	require.NotEmpty(t, got.Error)
}

func TestRegisterRejectsReservedUsername(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	id := identity.New(st)
	in := command.New(id, st, nil)

	_, err := id.Register(ctx, "h1", "")
	require.NoError(t, err)

	in.Dispatch(ctx, interactionFrom("h1", "/register rori", model.Device{Hash: "h1"}))

	d, err := st.DeviceByHash(ctx, "h1")
	require.NoError(t, err)
	require.True(t, d.Anonymous())
}

func TestUnregisterReturnsDeviceToAnonymousPool(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	id := identity.New(st)
	in := command.New(id, st, nil)

	_, err := id.Register(ctx, "h1", "phone")
	require.NoError(t, err)
	dev, err := id.AddDevice(ctx, "alice", "h1", "phone")
	require.NoError(t, err)

	in.Dispatch(ctx, interactionFrom("h1", "/unregister", dev))

	d, err := st.DeviceByHash(ctx, "h1")
	require.NoError(t, err)
	require.True(t, d.Anonymous())

	// Registering again afterward must succeed.
	in.Dispatch(ctx, interactionFrom("h1", "/register alice", model.Device{Hash: "h1"}))
	d, err = st.DeviceByHash(ctx, "h1")
	require.NoError(t, err)
	require.Equal(t, "alice", d.Username)
}

func TestAddTypesIsIdempotent(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	id := identity.New(st)
	in := command.New(id, st, nil)

	_, err := id.Register(ctx, "h1", "")
	require.NoError(t, err)

	dev := model.Device{Hash: "h1"}
	in.Dispatch(ctx, interactionFrom("h1", "/add_types image/png", dev))
	in.Dispatch(ctx, interactionFrom("h1", "/add_types image/png", dev))

	d, err := st.DeviceByHash(ctx, "h1")
	require.NoError(t, err)
	require.Equal(t, []string{"image/png"}, d.Datatypes)
}

func TestTwoStepLinkCompletes(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	id := identity.New(st)
	in := command.New(id, st, nil)

	_, err := id.Register(ctx, "h1", "phone")
	require.NoError(t, err)
	atlas, err := id.AddDevice(ctx, "atlas", "h1", "phone")
	require.NoError(t, err)

	_, err = id.Register(ctx, "h2", "")
	require.NoError(t, err)

	// Registered user atlas links anonymous device h2.
	in.Dispatch(ctx, interactionFrom("h1", "/link h2", atlas))
	require.Len(t, id.PendingLinks(), 1)

	// Anonymous device h2 links to username atlas, completing the pair.
	in.Dispatch(ctx, interactionFrom("h2", "/link atlas", model.Device{Hash: "h2"}))
	require.Empty(t, id.PendingLinks())

	d2, err := st.DeviceByHash(ctx, "h2")
	require.NoError(t, err)
	require.Equal(t, "atlas", d2.Username)
}

func TestLinkSameSideIsNoop(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	id := identity.New(st)
	in := command.New(id, st, nil)

	_, err := id.Register(ctx, "h1", "")
	require.NoError(t, err)

	in.Dispatch(ctx, interactionFrom("h1", "/link atlas", model.Device{Hash: "h1"}))
	require.Len(t, id.PendingLinks(), 1)

	in.Dispatch(ctx, interactionFrom("h1", "/link atlas", model.Device{Hash: "h1"}))
	require.Len(t, id.PendingLinks(), 1)
}
