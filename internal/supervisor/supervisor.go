// Package supervisor wires the store, identity model, command interpreter,
// module activator and scheduler to one or more transports, and owns the
// process's startup reconciliation and signal dispatch loop.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/rakunlabs/at/internal/command"
	"github.com/rakunlabs/at/internal/identity"
	"github.com/rakunlabs/at/internal/model"
	"github.com/rakunlabs/at/internal/module"
	"github.com/rakunlabs/at/internal/store"
	"github.com/rakunlabs/at/internal/transport"
)

// Supervisor ties the Identity Model, Command Interpreter, Module Activator
// and Scheduler to the configured transports. The primary transport (index
// 0) is the one driving the system Account bootstrap and contact
// reconciliation; any further transports are bridges (discord, telegram)
// that surface their own devices on demand as messages arrive.
type Supervisor struct {
	store      store.Storer
	identity   *identity.Model
	command    *command.Interpreter
	activator  *module.Activator
	transports []transport.Transport
}

// New builds a Supervisor. transports must contain at least one entry; the
// first is treated as primary for account bootstrap and reconciliation.
func New(st store.Storer, id *identity.Model, cmd *command.Interpreter, act *module.Activator, transports ...transport.Transport) *Supervisor {
	return &Supervisor{
		store:      st,
		identity:   id,
		command:    cmd,
		activator:  act,
		transports: transports,
	}
}

// Bootstrap runs the startup sequence: enable the primary transport's
// account if it has one and is disabled, then reconcile the device store
// against its contact list. Run calls this before entering the signal loop;
// it is exposed separately so tests can assert on it directly.
func (s *Supervisor) Bootstrap(ctx context.Context) error {
	if len(s.transports) == 0 {
		return errors.New("supervisor: no transport configured")
	}

	primary := s.transports[0]

	if ap, ok := primary.(transport.AccountProvider); ok {
		acct, err := ap.Account(ctx)
		if err != nil {
			return fmt.Errorf("query account: %w", err)
		}

		if !acct.Enabled {
			slog.Info("supervisor: enabling disabled transport account", "account", acct.Hash)
			if err := ap.EnableAccount(ctx); err != nil {
				return fmt.Errorf("enable account: %w", err)
			}
		}
	}

	return s.reconcile(ctx, primary)
}

// reconcile makes the device store agree with the primary transport's
// contact list: a contact not yet in the store is registered anonymously, a
// store row that the transport no longer recognizes is dropped. Bridge
// devices are exempt: bridges (discord, telegram) surface reachability as
// messages arrive rather than through a static contact list, so their rows
// would otherwise be pruned on every restart.
func (s *Supervisor) reconcile(ctx context.Context, t transport.Transport) error {
	contacts, err := t.Contacts(ctx)
	if err != nil {
		return fmt.Errorf("list contacts: %w", err)
	}

	known := make(map[string]bool, len(contacts))
	for _, c := range contacts {
		known[c.DeviceHash] = true
		if _, err := s.identity.Register(ctx, c.DeviceHash, c.DeviceName); err != nil {
			slog.Error("supervisor: register contact failed", "hash", c.DeviceHash, "error", err)
		}
	}

	devices, err := s.store.AllDevices(ctx)
	if err != nil {
		return fmt.Errorf("load devices: %w", err)
	}

	for _, d := range devices {
		if d.IsBridge || known[d.Hash] {
			continue
		}
		if err := s.store.RemoveDevice(ctx, d.Hash); err != nil {
			slog.Error("supervisor: drop stale device failed", "hash", d.Hash, "error", err)
		}
	}

	return nil
}

// Run bootstraps, then drives every transport's Start loop and fans their
// inbound events into the command interpreter or module activator until ctx
// is canceled.
func (s *Supervisor) Run(ctx context.Context) error {
	if err := s.Bootstrap(ctx); err != nil {
		return err
	}

	messages := make(chan transport.Inbound, 64)
	trustRequests := make(chan transport.TrustRequest, 16)

	var wg sync.WaitGroup
	for _, t := range s.transports {
		wg.Add(1)
		go func(t transport.Transport) {
			defer wg.Done()
			if err := t.Start(ctx, messages, trustRequests); err != nil && ctx.Err() == nil {
				slog.Error("supervisor: transport stopped", "error", err)
			}
		}(t)
	}

	go func() {
		<-ctx.Done()
		for _, t := range s.transports {
			if err := t.Close(); err != nil {
				slog.Error("supervisor: close transport failed", "error", err)
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return ctx.Err()
		case tr := <-trustRequests:
			s.handleTrustRequest(ctx, tr)
		case in := <-messages:
			s.handleMessage(ctx, in)
		}
	}
}

// handleMessage resolves the sending device, routes command-language bodies
// to the Command Interpreter and everything else through the Module
// Activator, and delivers any non-empty module replies back out.
func (s *Supervisor) handleMessage(ctx context.Context, in transport.Inbound) {
	dev, err := s.resolveSender(ctx, in)
	if err != nil {
		slog.Error("supervisor: resolve sender failed", "hash", in.DeviceHash, "error", err)
		return
	}

	it := model.Interaction{
		DeviceAuthor: dev,
		Body:         in.Body,
		Datatype:     in.Datatype,
		Metadatas:    in.Metadatas,
		Time:         in.Time,
	}
	if it.Datatype == "" {
		it.Datatype = model.DatatypeText
	}

	if command.IsCommand(it) || strings.HasPrefix(strings.TrimSpace(it.Body), "/") {
		it.Datatype = model.DatatypeCommand
		s.command.Dispatch(ctx, it)
		return
	}

	results, err := s.activator.Process(ctx, it)
	if err != nil {
		slog.Error("supervisor: module activation failed", "error", err)
		return
	}

	for _, r := range results {
		if r.Reply == "" {
			continue
		}
		s.sendText(ctx, dev.Hash, r.Reply)
	}
}

// resolveSender turns an Inbound event's raw transport hash into the Device
// it should be attributed to. Non-bridge hashes resolve (and, if unseen,
// register anonymously) directly. Bridge hashes carrying a sub_author
// metadata key resolve to that sub-author's own composite device, keyed
// "<bridge hash>#<sub_author>", the same convention the Command Interpreter
// uses when a sub-author first /registers.
func (s *Supervisor) resolveSender(ctx context.Context, in transport.Inbound) (model.Device, error) {
	raw, err := s.identity.Register(ctx, in.DeviceHash, "")
	if err != nil {
		return model.Device{}, err
	}

	if !raw.IsBridge {
		return raw, nil
	}

	subAuthor := in.Metadatas["sa"]
	if subAuthor == "" {
		return raw, nil
	}

	dev, err := s.identity.Register(ctx, raw.Hash+"#"+subAuthor, in.Metadatas["sa_name"])
	if err != nil {
		return model.Device{}, err
	}
	dev.SubAuthor = subAuthor

	return dev, nil
}

// handleTrustRequest offers tr to every transport that implements trust
// acceptance (bridges no-op it) and registers the sender anonymously so it
// has a device row the moment the handshake completes.
func (s *Supervisor) handleTrustRequest(ctx context.Context, tr transport.TrustRequest) {
	for _, t := range s.transports {
		if err := t.AcceptTrustRequest(ctx, tr.DeviceHash); err != nil {
			slog.Debug("supervisor: accept trust request failed", "hash", tr.DeviceHash, "error", err)
		}
	}

	if _, err := s.identity.Register(ctx, tr.DeviceHash, ""); err != nil {
		slog.Error("supervisor: register trust request sender failed", "hash", tr.DeviceHash, "error", err)
	}
}

// sendText tries every configured transport in turn until one accepts hash,
// since a hash's prefix (or lack of one) tells which transport owns it and
// a foreign transport is expected to reject it quickly.
func (s *Supervisor) sendText(ctx context.Context, hash, body string) {
	router := transport.Router{Transports: s.transports}
	if err := router.SendText(ctx, hash, body); err != nil {
		slog.Warn("supervisor: no transport accepted outbound message", "hash", hash, "error", err)
	}
}

// InvokeModule implements scheduler.Invoker: it loads the fired task's
// module and runs it directly through the activator, bypassing the
// datatype/condition match a live Interaction would go through, since the
// schedule itself is the trigger. If parameter carries a "hash" entry, the
// module's reply (if any) is delivered to that device; otherwise it goes to
// the first device owned by parameter["username"].
func (s *Supervisor) InvokeModule(ctx context.Context, moduleID int64, parameter map[string]string) error {
	mod, err := s.store.ModuleByID(ctx, moduleID)
	if err != nil {
		return fmt.Errorf("load module %d: %w", moduleID, err)
	}

	var author model.Device
	if hash := parameter["hash"]; hash != "" {
		if d, err := s.store.DeviceByHash(ctx, hash); err == nil {
			author = d
		}
	} else if username := parameter["username"]; username != "" {
		if devs, err := s.store.DevicesByUsername(ctx, username); err == nil && len(devs) > 0 {
			author = devs[0]
		}
	}

	it := model.Interaction{
		DeviceAuthor: author,
		Datatype:     mod.Datatype,
		Metadatas:    parameter,
		Time:         time.Now(),
	}

	result := s.activator.Invoke(ctx, mod, it)
	if result.Err != nil {
		return result.Err
	}

	if result.Reply != "" && author.Hash != "" {
		s.sendText(ctx, author.Hash, result.Reply)
	}

	return nil
}
