// Package identity implements the Identity Model: the anonymous device
// pool, user ownership, datatype declarations and the two-sided /link
// linking protocol. It is the single writer of device ownership state;
// the command interpreter and supervisor call through it rather than the
// store directly so invariants (one owner per device, unique bridge
// sub-authors) are enforced in one place.
package identity

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rakunlabs/at/internal/model"
	"github.com/rakunlabs/at/internal/store"
)

// Errors returned by Model methods on top of the sentinel store errors.
var (
	ErrNotOwner          = errors.New("identity: device not owned by username")
	ErrUsernameReserved  = errors.New("identity: username is reserved")
	ErrLinkNotPending    = errors.New("identity: no pending link for this pair")
	ErrLinkAlreadyClaims = errors.New("identity: link already claimed by this side")
)

// Model is the identity model. Safe for concurrent use; device ownership
// writes go through the backing Storer, pending links are held in memory
// only (a restart drops any link still in flight, matching the original
// implementation's behavior of discarding in-flight handshakes on
// restart).
type Model struct {
	devices store.DeviceStorer

	mu      sync.Mutex
	pending map[string]model.PendingLink
}

// New wraps a DeviceStorer with identity-model invariants.
func New(devices store.DeviceStorer) *Model {
	return &Model{
		devices: devices,
		pending: make(map[string]model.PendingLink),
	}
}

// Register ensures hash has a device row, creating an anonymous one if this
// is the transport's first contact with it. Idempotent.
func (m *Model) Register(ctx context.Context, hash, deviceName string) (model.Device, error) {
	d, err := m.devices.DeviceByHash(ctx, hash)
	if err == nil {
		return d, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return model.Device{}, err
	}

	return m.devices.AddDevice(ctx, model.Device{
		Hash:       hash,
		DeviceName: deviceName,
	})
}

// AddDevice claims an existing anonymous device for username, or inserts a
// brand-new device already owned by username if hash is unseen. Used by
// /add_device and by a first /register from a device with no prior
// anonymous contact.
func (m *Model) AddDevice(ctx context.Context, username, hash, deviceName string) (model.Device, error) {
	if username == model.ReservedUsername {
		return model.Device{}, ErrUsernameReserved
	}

	d, err := m.devices.DeviceByHash(ctx, hash)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return m.devices.AddDevice(ctx, model.Device{
			Hash:       hash,
			DeviceName: deviceName,
			Username:   username,
		})
	case err != nil:
		return model.Device{}, err
	}

	d.Username = username
	if deviceName != "" {
		d.DeviceName = deviceName
	}

	if err := m.devices.UpdateDevice(ctx, d); err != nil {
		return model.Device{}, err
	}

	return d, nil
}

// RemoveDevice drops hash from username's devices. Returns ErrNotOwner if
// the device belongs to someone else, so a compromised or spoofed hash
// cannot strip another user's device. Bridge devices are deleted outright;
// non-bridge devices revert to the anonymous pool instead of disappearing,
// since the underlying transport hash is still a live peer.
func (m *Model) RemoveDevice(ctx context.Context, username, hash string) error {
	d, err := m.devices.DeviceByHash(ctx, hash)
	if err != nil {
		return err
	}

	if d.Username != username {
		return ErrNotOwner
	}

	if d.IsBridge {
		return m.devices.RemoveDevice(ctx, hash)
	}

	d.Username = ""
	d.DeviceName = ""
	return m.devices.UpdateDevice(ctx, d)
}

// Unregister revokes every device owned by username, following the same
// bridge/non-bridge split as RemoveDevice.
func (m *Model) Unregister(ctx context.Context, username string) error {
	devs, err := m.devices.DevicesByUsername(ctx, username)
	if err != nil {
		return err
	}

	for _, d := range devs {
		if err := m.RemoveDevice(ctx, username, d.Hash); err != nil {
			return fmt.Errorf("remove device %s: %w", d.Hash, err)
		}
	}

	return nil
}

// SetDatatypes replaces the device's declared datatype list outright.
func (m *Model) SetDatatypes(ctx context.Context, hash string, datatypes []string) error {
	d, err := m.devices.DeviceByHash(ctx, hash)
	if err != nil {
		return err
	}
	d.Datatypes = datatypes
	return m.devices.UpdateDevice(ctx, d)
}

// AddDatatypes appends datatypes not already declared by the device.
func (m *Model) AddDatatypes(ctx context.Context, hash string, datatypes []string) error {
	d, err := m.devices.DeviceByHash(ctx, hash)
	if err != nil {
		return err
	}

	for _, dt := range datatypes {
		if !containsString(d.Datatypes, dt) {
			d.Datatypes = append(d.Datatypes, dt)
		}
	}

	return m.devices.UpdateDevice(ctx, d)
}

// RemoveDatatypes drops datatypes from the device's declared list.
func (m *Model) RemoveDatatypes(ctx context.Context, hash string, datatypes []string) error {
	d, err := m.devices.DeviceByHash(ctx, hash)
	if err != nil {
		return err
	}

	kept := d.Datatypes[:0]
	for _, have := range d.Datatypes {
		if !containsString(datatypes, have) {
			kept = append(kept, have)
		}
	}
	d.Datatypes = kept

	return m.devices.UpdateDevice(ctx, d)
}

// Bridgify marks hash as a bridge device carrying messages on behalf of
// subAuthor sub-identities (e.g. a Discord or Telegram gateway device
// relaying many remote users through one transport hash).
func (m *Model) Bridgify(ctx context.Context, hash, subAuthor string) error {
	d, err := m.devices.DeviceByHash(ctx, hash)
	if err != nil {
		return err
	}
	d.IsBridge = true
	d.SubAuthor = subAuthor
	return m.devices.UpdateDevice(ctx, d)
}

// BeginLink records one side of a /link handshake and reports whether this
// call completed the pair. A second touch from the same authenticated_side
// is a no-op duplicate request (complete stays false, the slot is
// untouched); only the opposite side completes the pair. When complete is
// true, the caller should finalize the ownership move itself and call
// ResolveLink to clear the slot.
func (m *Model) BeginLink(hash, targetUsername string, authenticatedSide bool, subAuthor string) (pl model.PendingLink, complete bool) {
	key := model.PendingLinkKey(hash, targetUsername)

	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.pending[key]
	if !ok {
		m.pending[key] = model.PendingLink{
			DeviceHash:        hash,
			TargetUsername:    targetUsername,
			AuthenticatedSide: authenticatedSide,
			SubAuthor:         subAuthor,
		}
		return m.pending[key], false
	}

	if existing.AuthenticatedSide == authenticatedSide {
		// Duplicate request from the same side; leave the slot as-is.
		return existing, false
	}

	// The opposite side has now spoken: the handshake is complete.
	return existing, true
}

// ResolveLink clears a pending link slot once the caller has finalized it.
func (m *Model) ResolveLink(hash, targetUsername string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pending, model.PendingLinkKey(hash, targetUsername))
}

// PendingLinks returns a snapshot of every in-flight link, for diagnostics.
func (m *Model) PendingLinks() []model.PendingLink {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]model.PendingLink, 0, len(m.pending))
	for _, pl := range m.pending {
		out = append(out, pl)
	}
	return out
}

func containsString(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}
