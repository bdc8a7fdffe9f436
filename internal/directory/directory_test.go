package directory_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rakunlabs/at/internal/directory"
	"github.com/rakunlabs/at/internal/model"
	"github.com/rakunlabs/at/internal/store"
	"github.com/rakunlabs/at/internal/store/memory"
)

type fakeSystemAccount struct {
	account model.Account
	err     error
}

func (f fakeSystemAccount) Account(context.Context) (model.Account, error) {
	return f.account, f.err
}

func TestByNameResolvesDevicesByUsername(t *testing.T) {
	ctx := context.Background()
	st := memory.New()

	_, err := st.AddDevice(ctx, model.Device{Hash: "h1", Username: "alice", DeviceName: "phone"})
	require.NoError(t, err)

	dir := directory.New(st, st, st, nil)

	res, err := dir.ByName(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, "0x"+"h1", res.Addr)
	require.Len(t, res.FullDevices, 1)
	require.Empty(t, res.BridgeDevices)
}

func TestByNameMatchesUsernameDeviceNameConcatenation(t *testing.T) {
	ctx := context.Background()
	st := memory.New()

	_, err := st.AddDevice(ctx, model.Device{Hash: "h1", Username: "alice", DeviceName: "phone"})
	require.NoError(t, err)

	dir := directory.New(st, st, st, nil)

	res, err := dir.ByName(ctx, "alice_phone")
	require.NoError(t, err)
	require.Equal(t, "0x"+"h1", res.Addr)
}

func TestByNameSplitsFullAndBridgeDevices(t *testing.T) {
	ctx := context.Background()
	st := memory.New()

	_, err := st.AddDevice(ctx, model.Device{Hash: "h1", Username: "team", DeviceName: "laptop"})
	require.NoError(t, err)
	_, err = st.AddDevice(ctx, model.Device{Hash: "bridge1", Username: "team", IsBridge: true, SubAuthor: "carol"})
	require.NoError(t, err)

	dir := directory.New(st, st, st, nil)

	res, err := dir.ByName(ctx, "team")
	require.NoError(t, err)
	require.Len(t, res.FullDevices, 1)
	require.Len(t, res.BridgeDevices, 1)
}

func TestByNameNotFound(t *testing.T) {
	ctx := context.Background()
	st := memory.New()

	dir := directory.New(st, st, st, nil)

	_, err := dir.ByName(ctx, "nobody")
	require.True(t, errors.Is(err, store.ErrNotFound))
}

func TestByNameRoriResolvesToSystemAccount(t *testing.T) {
	ctx := context.Background()
	st := memory.New()

	sys := fakeSystemAccount{account: model.Account{Hash: "system-hash"}}
	dir := directory.New(st, st, st, sys)

	res, err := dir.ByName(ctx, "RoRi")
	require.NoError(t, err)
	require.Equal(t, "0x"+"system-hash", res.Addr)
}

func TestByNameRoriWithoutSystemAccountNotFound(t *testing.T) {
	ctx := context.Background()
	st := memory.New()

	dir := directory.New(st, st, st, nil)

	_, err := dir.ByName(ctx, "rori")
	require.True(t, errors.Is(err, store.ErrNotFound))
}

func TestByAddressResolvesOrdinaryDevice(t *testing.T) {
	ctx := context.Background()
	st := memory.New()

	_, err := st.AddDevice(ctx, model.Device{Hash: "h1", Username: "alice"})
	require.NoError(t, err)

	dir := directory.New(st, st, st, nil)

	res, err := dir.ByAddress(ctx, "h1")
	require.NoError(t, err)
	require.Equal(t, "alice", res.Name)
	require.False(t, res.IsBridge)
	require.Equal(t, []string{"alice"}, res.Users)
}

func TestByAddressUsersListCoversEverySubAuthor(t *testing.T) {
	ctx := context.Background()
	st := memory.New()

	_, err := st.AddDevice(ctx, model.Device{
		Hash: "bridge1#bob", Username: "bob", IsBridge: true, SubAuthor: "bob",
	})
	require.NoError(t, err)
	_, err = st.AddDevice(ctx, model.Device{
		Hash: "bridge1#carol", Username: "carol", IsBridge: true, SubAuthor: "carol",
	})
	require.NoError(t, err)

	dir := directory.New(st, st, st, nil)

	res, err := dir.ByAddress(ctx, "bridge1#bob")
	require.NoError(t, err)
	require.True(t, res.IsBridge)
	require.ElementsMatch(t, []string{"bob/bob", "carol/carol"}, res.Users)
}

func TestByAddressAnonymousDeviceNotFound(t *testing.T) {
	ctx := context.Background()
	st := memory.New()

	_, err := st.AddDevice(ctx, model.Device{Hash: "h1"})
	require.NoError(t, err)

	dir := directory.New(st, st, st, nil)

	_, err = dir.ByAddress(ctx, "h1")
	require.True(t, errors.Is(err, store.ErrNotFound))
}
