// Package store defines the persistence interfaces used by every RORI
// component that needs durable state: devices, users, modules and
// scheduled tasks. Concrete backends live in the sqlite3, postgres and
// memory subpackages.
package store

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/rakunlabs/at/internal/model"
)

// Sentinel errors returned by every backend so callers can branch with
// errors.Is instead of backend-specific type assertions.
var (
	ErrNotFound      = errors.New("store: not found")
	ErrAlreadyExists = errors.New("store: already exists")
)

// DeviceStorer persists devices and their user ownership.
type DeviceStorer interface {
	// AddDevice inserts a new device. Returns ErrAlreadyExists if
	// the hash is already known.
	AddDevice(ctx context.Context, d model.Device) (model.Device, error)
	// DeviceByHash returns ErrNotFound if the hash is unknown.
	DeviceByHash(ctx context.Context, hash string) (model.Device, error)
	// UpdateDevice persists changes to an existing device (username, name,
	// sub-author, datatypes). Returns ErrNotFound if the device is unknown.
	UpdateDevice(ctx context.Context, d model.Device) error
	// RemoveDevice deletes a device outright (used by /rm_device and
	// /unregister).
	RemoveDevice(ctx context.Context, hash string) error
	// DevicesByUsername returns every device owned by username, or every
	// anonymous device when username is "".
	DevicesByUsername(ctx context.Context, username string) ([]model.Device, error)
	// AllUsers returns every distinct non-empty username along with its
	// devices.
	AllUsers(ctx context.Context) ([]model.User, error)
	// AllDevices returns the full device table, anonymous and claimed.
	AllDevices(ctx context.Context) ([]model.Device, error)
}

// ModuleStorer persists the module registry.
type ModuleStorer interface {
	AddModule(ctx context.Context, m model.Module) (model.Module, error)
	ModuleByName(ctx context.Context, name string) (model.Module, error)
	ModuleByID(ctx context.Context, id int64) (model.Module, error)
	UpdateModule(ctx context.Context, m model.Module) error
	RemoveModule(ctx context.Context, name string) error
	// ModulesByPriority returns enabled modules ordered by ascending
	// priority, the order the activation loop walks them in.
	ModulesByPriority(ctx context.Context) ([]model.Module, error)
}

// TaskStorer persists scheduled tasks.
type TaskStorer interface {
	AddTask(ctx context.Context, t model.ScheduledTask) (model.ScheduledTask, error)
	UpdateTask(ctx context.Context, t model.ScheduledTask) error
	RemoveTask(ctx context.Context, id int64) error
	TaskByID(ctx context.Context, id int64) (model.ScheduledTask, error)
	AllTasks(ctx context.Context) ([]model.ScheduledTask, error)
	TasksByModule(ctx context.Context, moduleName string) ([]model.ScheduledTask, error)
	// SearchTasks returns every task attached to moduleName whose decoded
	// parameter map is a superset of paramSubset, via a linear scan over
	// TasksByModule's result.
	SearchTasks(ctx context.Context, moduleName string, paramSubset map[string]string) ([]model.ScheduledTask, error)
}

// MatchesParameterSubset reports whether raw (a JSON-encoded string->string
// map, as stored in ScheduledTask.Parameter) decodes to a map containing
// every key/value pair in subset. An empty or nil subset matches anything.
func MatchesParameterSubset(raw string, subset map[string]string) bool {
	if len(subset) == 0 {
		return true
	}

	var params map[string]string
	if raw == "" {
		return false
	}
	if err := json.Unmarshal([]byte(raw), &params); err != nil {
		return false
	}

	for k, v := range subset {
		if params[k] != v {
			return false
		}
	}
	return true
}

// Storer is the full persistence surface the Supervisor wires up; backends
// implement all three facets plus Close.
type Storer interface {
	DeviceStorer
	ModuleStorer
	TaskStorer

	Close() error
}
