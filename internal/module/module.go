// Package module implements the Module Registry and the priority-band
// Activation Loop: the part of RORI that decides, for each inbound
// Interaction, which modules fire and in what order.
package module

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sync"

	"github.com/rakunlabs/at/internal/model"
	"github.com/rakunlabs/at/internal/store"
)

// Runner executes one module's body against an interaction and reports
// whether the interaction should continue to the next priority band.
// Concrete implementations live in package runner.
type Runner interface {
	Run(ctx context.Context, mod model.Module, in model.Interaction) (reply string, proceed bool, err error)
}

// Result is one module's contribution to an Interaction's processing.
type Result struct {
	Module model.Module
	Reply  string
	Err    error
}

// Activator walks the module registry by ascending priority band and
// invokes Runner on every module in a band concurrently, the way the
// original implementation spawned one thread per module and joined before
// moving to the next priority. A band's modules are the same Priority
// value; the lowest value always runs first.
type Activator struct {
	modules store.ModuleStorer
	runner  Runner

	// bandWorkers caps the number of modules run concurrently within a
	// single priority band. Zero means unbounded (one goroutine per
	// module in the band, matching the original thread-per-module design).
	bandWorkers int

	reCache sync.Map // condition string -> *regexp.Regexp
}

// New builds an Activator. bandWorkers <= 0 means unbounded concurrency
// within a band.
func New(modules store.ModuleStorer, runner Runner, bandWorkers int) *Activator {
	return &Activator{modules: modules, runner: runner, bandWorkers: bandWorkers}
}

// Process runs every enabled module against in, band by band in ascending
// priority order. A band's modules all run concurrently; Process waits for
// the whole band (the WaitGroup barrier) before deciding whether to
// continue. If any module in a band reports proceed=false, activation
// stops after that band — later, lower-priority bands never see the
// interaction. A module that errors is logged and treated as proceed=true
// (fail-open): one broken module must never wedge the pipeline for
// everyone behind it.
func (a *Activator) Process(ctx context.Context, in model.Interaction) ([]Result, error) {
	mods, err := a.modules.ModulesByPriority(ctx)
	if err != nil {
		return nil, fmt.Errorf("load modules: %w", err)
	}

	var results []Result

	for _, band := range groupByPriority(mods) {
		bandResults, stop := a.runBand(ctx, band, in)
		results = append(results, bandResults...)
		if stop {
			break
		}
	}

	return results, nil
}

// Invoke runs mod directly against in, bypassing the datatype/condition
// match and priority banding that Process applies. Used by the Scheduler:
// a fired task's schedule is itself the trigger, so there is nothing left
// to match against.
func (a *Activator) Invoke(ctx context.Context, mod model.Module, in model.Interaction) Result {
	reply, _, err := a.runner.Run(ctx, mod, in)
	if err != nil {
		slog.Error("module execution failed", "module", mod.Name, "error", err)
	}
	return Result{Module: mod, Reply: reply, Err: err}
}

// runBand runs every module in a single priority band concurrently and
// reports whether activation should stop after this band.
func (a *Activator) runBand(ctx context.Context, band []model.Module, in model.Interaction) ([]Result, bool) {
	matched := make([]model.Module, 0, len(band))
	for _, mod := range band {
		if a.matches(mod, in) {
			matched = append(matched, mod)
		}
	}
	if len(matched) == 0 {
		return nil, false
	}

	results := make([]Result, len(matched))

	sem := make(chan struct{}, a.semSize(len(matched)))
	var wg sync.WaitGroup
	var stopMu sync.Mutex
	stop := false

	for i, mod := range matched {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, mod model.Module) {
			defer wg.Done()
			defer func() { <-sem }()

			reply, proceed, err := a.runner.Run(ctx, mod, in)
			if err != nil {
				slog.Error("module execution failed", "module", mod.Name, "error", err)
				proceed = true
			}

			results[i] = Result{Module: mod, Reply: reply, Err: err}

			if !proceed {
				stopMu.Lock()
				stop = true
				stopMu.Unlock()
			}
		}(i, mod)
	}

	wg.Wait()

	return results, stop
}

func (a *Activator) semSize(n int) int {
	if a.bandWorkers <= 0 || a.bandWorkers > n {
		return n
	}
	return a.bandWorkers
}

// matches reports whether mod should fire for in: the module's datatype, when
// set, must equal the interaction's datatype and, when the module declares a
// condition, the interaction body must match its compiled regex
// (case-insensitive).
func (a *Activator) matches(mod model.Module, in model.Interaction) bool {
	if mod.Datatype != "" && mod.Datatype != in.Datatype {
		return false
	}

	if mod.Condition == "" {
		return true
	}

	re, err := a.compiled(mod.Condition)
	if err != nil {
		slog.Error("module has invalid condition regex", "module", mod.Name, "condition", mod.Condition, "error", err)
		return false
	}

	return re.MatchString(in.Body)
}

// compiled returns the cached compiled regex for condition, compiling and
// caching it on first use.
func (a *Activator) compiled(condition string) (*regexp.Regexp, error) {
	if v, ok := a.reCache.Load(condition); ok {
		return v.(*regexp.Regexp), nil
	}

	re, err := regexp.Compile("(?i)" + condition)
	if err != nil {
		return nil, err
	}

	a.reCache.Store(condition, re)

	return re, nil
}

// groupByPriority partitions mods (already sorted ascending by priority by
// the store) into consecutive same-priority bands.
func groupByPriority(mods []model.Module) [][]model.Module {
	var bands [][]model.Module

	var current []model.Module
	var currentPriority int64

	for i, mod := range mods {
		if i == 0 || mod.Priority != currentPriority {
			if len(current) > 0 {
				bands = append(bands, current)
			}
			current = nil
			currentPriority = mod.Priority
		}
		current = append(current, mod)
	}
	if len(current) > 0 {
		bands = append(bands, current)
	}

	return bands
}
