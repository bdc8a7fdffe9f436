package identity_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rakunlabs/at/internal/identity"
	"github.com/rakunlabs/at/internal/store"
	"github.com/rakunlabs/at/internal/store/memory"
)

func TestRegisterIsIdempotent(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	m := identity.New(st)

	d1, err := m.Register(ctx, "hash1", "phone")
	require.NoError(t, err)

	d2, err := m.Register(ctx, "hash1", "phone")
	require.NoError(t, err)
	require.Equal(t, d1.ID, d2.ID)
}

func TestAddRemoveDeviceOwnership(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	m := identity.New(st)

	_, err := m.Register(ctx, "hash1", "phone")
	require.NoError(t, err)

	d, err := m.AddDevice(ctx, "alice", "hash1", "phone")
	require.NoError(t, err)
	require.Equal(t, "alice", d.Username)

	err = m.RemoveDevice(ctx, "bob", "hash1")
	require.ErrorIs(t, err, identity.ErrNotOwner)

	require.NoError(t, m.RemoveDevice(ctx, "alice", "hash1"))

	// Non-bridge devices revert to the anonymous pool rather than vanishing.
	d, err = st.DeviceByHash(ctx, "hash1")
	require.NoError(t, err)
	require.True(t, d.Anonymous())
}

func TestRemoveBridgeDeviceDeletesRow(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	m := identity.New(st)

	_, err := m.Register(ctx, "hash1", "")
	require.NoError(t, err)
	_, err = m.AddDevice(ctx, "alice", "hash1", "bridge")
	require.NoError(t, err)
	require.NoError(t, m.Bridgify(ctx, "hash1", "alice-sub"))

	require.NoError(t, m.RemoveDevice(ctx, "alice", "hash1"))

	_, err = st.DeviceByHash(ctx, "hash1")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestReservedUsernameRejected(t *testing.T) {
	ctx := context.Background()
	m := identity.New(memory.New())

	_, err := m.AddDevice(ctx, "rori", "hash1", "phone")
	require.ErrorIs(t, err, identity.ErrUsernameReserved)
}

func TestDatatypeDeclarations(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	m := identity.New(st)

	_, err := m.Register(ctx, "hash1", "phone")
	require.NoError(t, err)

	require.NoError(t, m.AddDatatypes(ctx, "hash1", []string{"image/png", "image/png"}))
	d, err := st.DeviceByHash(ctx, "hash1")
	require.NoError(t, err)
	require.Equal(t, []string{"image/png"}, d.Datatypes)

	require.NoError(t, m.RemoveDatatypes(ctx, "hash1", []string{"image/png"}))
	d, err = st.DeviceByHash(ctx, "hash1")
	require.NoError(t, err)
	require.Empty(t, d.Datatypes)
}

func TestLinkHandshakeCompletesOnSecondTouch(t *testing.T) {
	m := identity.New(memory.New())

	_, complete := m.BeginLink("hash1", "alice", true, "")
	require.False(t, complete)

	_, complete = m.BeginLink("hash1", "alice", false, "")
	require.True(t, complete)

	m.ResolveLink("hash1", "alice")
	require.Empty(t, m.PendingLinks())
}
