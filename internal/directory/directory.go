// Package directory implements the read-only Directory Service: name to
// address resolution and back, module lookup by name, and task search by
// module name, all backed directly by the store and served by the HTTPS
// control surface.
package directory

import (
	"context"
	"fmt"
	"strings"

	"github.com/rakunlabs/at/internal/model"
	"github.com/rakunlabs/at/internal/store"
)

// SystemAccount resolves RORI's own address on the primary transport. It is
// satisfied by transport.AccountProvider (package ring); bridge-only
// deployments with no such transport pass nil, and a `rori` lookup reports
// store.ErrNotFound.
type SystemAccount interface {
	Account(ctx context.Context) (model.Account, error)
}

// NameResult is the outcome of a name → address lookup.
type NameResult struct {
	// Addr is the first matching device's hash, prefixed "0x".
	Addr string
	// FullDevices are the matching non-bridge devices.
	FullDevices []model.Device
	// BridgeDevices are the matching bridge devices.
	BridgeDevices []model.Device
}

// AddressResult is the outcome of an address → name lookup.
type AddressResult struct {
	Name     string
	IsBridge bool
	// Users lists every username bound to the queried hash: one entry for
	// an ordinary device, several for a bridge hash shared by multiple
	// sub-authors.
	Users []string
}

// Directory resolves names, addresses, modules and tasks for read-only
// lookups. It holds no mutable state of its own beyond the Storer it wraps.
type Directory struct {
	devices store.DeviceStorer
	modules store.ModuleStorer
	tasks   store.TaskStorer
	system  SystemAccount
}

// New builds a Directory over the given store facets. system may be nil if
// no transport on this deployment carries a system account; `rori` lookups
// then always report store.ErrNotFound.
func New(devices store.DeviceStorer, modules store.ModuleStorer, tasks store.TaskStorer, system SystemAccount) *Directory {
	return &Directory{devices: devices, modules: modules, tasks: tasks, system: system}
}

// ByName resolves name to an address. `rori` (any case) always resolves to
// the system account's own hash, reserved and never claimable by a peer.
// Otherwise every device whose username matches name exactly, or whose
// "username_devicename" concatenation matches, is enumerated and split into
// full (non-bridge) and bridge device lists.
func (d *Directory) ByName(ctx context.Context, name string) (NameResult, error) {
	if strings.EqualFold(name, model.ReservedUsername) {
		if d.system == nil {
			return NameResult{}, store.ErrNotFound
		}
		acct, err := d.system.Account(ctx)
		if err != nil {
			return NameResult{}, err
		}
		return NameResult{Addr: "0x" + acct.Hash}, nil
	}

	all, err := d.devices.AllDevices(ctx)
	if err != nil {
		return NameResult{}, err
	}

	var matched []model.Device
	for _, dev := range all {
		if dev.Username == "" {
			continue
		}
		if dev.Username == name || dev.Username+"_"+dev.DeviceName == name {
			matched = append(matched, dev)
		}
	}

	if len(matched) == 0 {
		return NameResult{}, store.ErrNotFound
	}

	var full, bridges []model.Device
	for _, dev := range matched {
		if dev.IsBridge {
			bridges = append(bridges, dev)
		} else {
			full = append(full, dev)
		}
	}

	return NameResult{
		Addr:          "0x" + matched[0].Hash,
		FullDevices:   full,
		BridgeDevices: bridges,
	}, nil
}

// ByAddress resolves hash to its owning name. For a bridge hash shared by
// several sub-authors (the raw bridge hash is a prefix of each composite
// "<hash>#<sub_author>" device hash), Users lists every sub-author bound to
// it; for an ordinary device, Users holds just that one name.
func (d *Directory) ByAddress(ctx context.Context, hash string) (AddressResult, error) {
	dev, err := d.devices.DeviceByHash(ctx, hash)
	if err != nil {
		return AddressResult{}, err
	}
	if dev.Username == "" {
		return AddressResult{}, store.ErrNotFound
	}

	name := FormatAddress(dev)
	users := []string{name}

	if dev.IsBridge {
		all, err := d.devices.AllDevices(ctx)
		if err != nil {
			return AddressResult{}, err
		}

		// The queried hash may itself be a "<bridge>#<sub_author>" composite;
		// every sub-author sharing the same bridge channel carries that same
		// prefix, so strip it back to the raw bridge hash before matching.
		rawPrefix := hash
		if i := strings.IndexByte(hash, '#'); i >= 0 {
			rawPrefix = hash[:i]
		}

		seen := map[string]bool{name: true}
		for _, other := range all {
			if !other.IsBridge || other.Username == "" || other.Hash == hash {
				continue
			}
			if other.Hash != rawPrefix && !strings.HasPrefix(other.Hash, rawPrefix+"#") {
				continue
			}
			otherName := FormatAddress(other)
			if seen[otherName] {
				continue
			}
			seen[otherName] = true
			users = append(users, otherName)
		}
	}

	return AddressResult{
		Name:     name,
		IsBridge: dev.IsBridge,
		Users:    users,
	}, nil
}

// Module looks up a module definition by name.
func (d *Directory) Module(ctx context.Context, name string) (model.Module, error) {
	return d.modules.ModuleByName(ctx, name)
}

// TasksForModule returns every scheduled task attached to moduleName.
func (d *Directory) TasksForModule(ctx context.Context, moduleName string) ([]model.ScheduledTask, error) {
	return d.tasks.TasksByModule(ctx, moduleName)
}

// SearchTasks returns every task attached to moduleName whose decoded
// parameter map is a superset of paramSubset.
func (d *Directory) SearchTasks(ctx context.Context, moduleName string, paramSubset map[string]string) ([]model.ScheduledTask, error) {
	return d.tasks.SearchTasks(ctx, moduleName, paramSubset)
}

// FormatAddress renders a device as the name string the Directory uses:
// "username", "username/subauthor" for a bridge
// sub-identity, or "anonymous:<hash>" for an unclaimed device.
func FormatAddress(d model.Device) string {
	if d.Username == "" {
		return fmt.Sprintf("anonymous:%s", d.Hash)
	}
	if d.IsBridge && d.SubAuthor != "" {
		return d.Username + "/" + d.SubAuthor
	}
	return d.Username
}
