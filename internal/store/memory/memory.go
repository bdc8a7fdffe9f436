// Package memory is an in-memory Storer used by tests; its device/module/task
// state does not survive a restart.
package memory

import (
	"context"
	"log/slog"
	"slices"
	"sync"

	"github.com/rakunlabs/at/internal/model"
	"github.com/rakunlabs/at/internal/store"
)

// Memory is a mutex-guarded in-memory implementation of store.Storer.
type Memory struct {
	mu sync.RWMutex

	devices    map[string]model.Device // hash -> device
	nextDevice int64

	modules    map[string]model.Module // name -> module
	moduleByID map[int64]string        // id -> name
	nextModule int64

	tasks    map[int64]model.ScheduledTask
	nextTask int64
}

// New returns an empty in-memory store. Safe for concurrent use.
func New() *Memory {
	slog.Info("using in-memory store (data will not persist across restarts)")

	return &Memory{
		devices:    make(map[string]model.Device),
		modules:    make(map[string]model.Module),
		moduleByID: make(map[int64]string),
		tasks:      make(map[int64]model.ScheduledTask),
	}
}

func (m *Memory) Close() error { return nil }

// ─── Devices ───

func (m *Memory) AddDevice(_ context.Context, d model.Device) (model.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.devices[d.Hash]; ok {
		return model.Device{}, store.ErrAlreadyExists
	}

	m.nextDevice++
	d.ID = m.nextDevice
	m.devices[d.Hash] = d

	return d, nil
}

func (m *Memory) DeviceByHash(_ context.Context, hash string) (model.Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.devices[hash]
	if !ok {
		return model.Device{}, store.ErrNotFound
	}

	return d, nil
}

func (m *Memory) UpdateDevice(_ context.Context, d model.Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.devices[d.Hash]; !ok {
		return store.ErrNotFound
	}

	m.devices[d.Hash] = d

	return nil
}

func (m *Memory) RemoveDevice(_ context.Context, hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.devices[hash]; !ok {
		return store.ErrNotFound
	}

	delete(m.devices, hash)

	return nil
}

func (m *Memory) DevicesByUsername(_ context.Context, username string) ([]model.Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []model.Device
	for _, d := range m.devices {
		if d.Username == username {
			out = append(out, d)
		}
	}

	slices.SortFunc(out, func(a, b model.Device) int { return int(a.ID - b.ID) })

	return out, nil
}

func (m *Memory) AllUsers(_ context.Context) ([]model.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	byName := make(map[string][]model.Device)
	for _, d := range m.devices {
		if d.Username == "" {
			continue
		}
		byName[d.Username] = append(byName[d.Username], d)
	}

	out := make([]model.User, 0, len(byName))
	for name, devs := range byName {
		slices.SortFunc(devs, func(a, b model.Device) int { return int(a.ID - b.ID) })
		out = append(out, model.User{Name: name, Devices: devs})
	}

	slices.SortFunc(out, func(a, b model.User) int {
		switch {
		case a.Name < b.Name:
			return -1
		case a.Name > b.Name:
			return 1
		default:
			return 0
		}
	})

	return out, nil
}

func (m *Memory) AllDevices(_ context.Context) ([]model.Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]model.Device, 0, len(m.devices))
	for _, d := range m.devices {
		out = append(out, d)
	}

	slices.SortFunc(out, func(a, b model.Device) int { return int(a.ID - b.ID) })

	return out, nil
}

// ─── Modules ───

func (m *Memory) AddModule(_ context.Context, mod model.Module) (model.Module, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.modules[mod.Name]; ok {
		return model.Module{}, store.ErrAlreadyExists
	}

	m.nextModule++
	mod.ID = m.nextModule
	m.modules[mod.Name] = mod
	m.moduleByID[mod.ID] = mod.Name

	return mod, nil
}

func (m *Memory) ModuleByName(_ context.Context, name string) (model.Module, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	mod, ok := m.modules[name]
	if !ok {
		return model.Module{}, store.ErrNotFound
	}

	return mod, nil
}

func (m *Memory) ModuleByID(_ context.Context, id int64) (model.Module, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	name, ok := m.moduleByID[id]
	if !ok {
		return model.Module{}, store.ErrNotFound
	}

	return m.modules[name], nil
}

func (m *Memory) UpdateModule(_ context.Context, mod model.Module) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.modules[mod.Name]
	if !ok {
		return store.ErrNotFound
	}

	mod.ID = existing.ID
	m.modules[mod.Name] = mod
	m.moduleByID[mod.ID] = mod.Name

	return nil
}

func (m *Memory) RemoveModule(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	mod, ok := m.modules[name]
	if !ok {
		return store.ErrNotFound
	}

	delete(m.modules, name)
	delete(m.moduleByID, mod.ID)

	return nil
}

func (m *Memory) ModulesByPriority(_ context.Context) ([]model.Module, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]model.Module, 0, len(m.modules))
	for _, mod := range m.modules {
		if mod.Enabled {
			out = append(out, mod)
		}
	}

	slices.SortFunc(out, func(a, b model.Module) int {
		if a.Priority != b.Priority {
			return int(a.Priority - b.Priority)
		}
		return int(a.ID - b.ID)
	})

	return out, nil
}

// ─── Scheduled tasks ───

func (m *Memory) AddTask(_ context.Context, t model.ScheduledTask) (model.ScheduledTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextTask++
	t.ID = m.nextTask
	m.tasks[t.ID] = t

	return t, nil
}

func (m *Memory) UpdateTask(_ context.Context, t model.ScheduledTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.tasks[t.ID]; !ok {
		return store.ErrNotFound
	}

	m.tasks[t.ID] = t

	return nil
}

func (m *Memory) RemoveTask(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.tasks[id]; !ok {
		return store.ErrNotFound
	}

	delete(m.tasks, id)

	return nil
}

func (m *Memory) TaskByID(_ context.Context, id int64) (model.ScheduledTask, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.tasks[id]
	if !ok {
		return model.ScheduledTask{}, store.ErrNotFound
	}

	return t, nil
}

func (m *Memory) AllTasks(_ context.Context) ([]model.ScheduledTask, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]model.ScheduledTask, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, t)
	}

	slices.SortFunc(out, func(a, b model.ScheduledTask) int { return int(a.ID - b.ID) })

	return out, nil
}

func (m *Memory) TasksByModule(ctx context.Context, moduleName string) ([]model.ScheduledTask, error) {
	mod, err := m.ModuleByName(ctx, moduleName)
	if err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []model.ScheduledTask
	for _, t := range m.tasks {
		if t.Module == mod.ID {
			out = append(out, t)
		}
	}

	slices.SortFunc(out, func(a, b model.ScheduledTask) int { return int(a.ID - b.ID) })

	return out, nil
}

func (m *Memory) SearchTasks(ctx context.Context, moduleName string, paramSubset map[string]string) ([]model.ScheduledTask, error) {
	tasks, err := m.TasksByModule(ctx, moduleName)
	if err != nil {
		return nil, err
	}

	var out []model.ScheduledTask
	for _, t := range tasks {
		if store.MatchesParameterSubset(t.Parameter, paramSubset) {
			out = append(out, t)
		}
	}

	return out, nil
}

var _ store.Storer = (*Memory)(nil)
