// Package transport defines the Transport abstraction: the boundary
// between RORI's domain logic and the messaging backend that actually
// moves bytes. The primary implementation (package ring) talks to a local
// Jami/Ring daemon; package discord and package telegram provide bridge
// transports that relay a single device identity on RORI's side to many
// remote chat participants.
package transport

import (
	"context"
	"time"

	"github.com/rakunlabs/at/internal/model"
)

// Inbound is one message arriving from the transport, before it has been
// resolved against the identity model.
type Inbound struct {
	DeviceHash string
	Body       string
	Datatype   string
	Metadatas  map[string]string
	Time       time.Time
}

// TrustRequest is an incoming contact/friend request the transport is
// asking RORI whether to accept.
type TrustRequest struct {
	DeviceHash string
}

// Contact is one entry in the transport's existing contact list, used by
// the Supervisor's startup reconciliation against the device store.
type Contact struct {
	DeviceHash string
	DeviceName string
}

// Transport is the outbound+inbound messaging surface a Supervisor drives.
// Implementations must be safe for concurrent use; SendText in particular
// is called both from the Supervisor's message loop and from Scheduler
// firings.
type Transport interface {
	// Start begins delivering inbound events to the given channels and
	// blocks until ctx is canceled or an unrecoverable error occurs.
	Start(ctx context.Context, messages chan<- Inbound, trustRequests chan<- TrustRequest) error

	// SendText delivers body to the device identified by hash.
	SendText(ctx context.Context, hash, body string) error

	// AcceptTrustRequest accepts a pending contact request from hash.
	AcceptTrustRequest(ctx context.Context, hash string) error

	// Contacts lists the transport's current contact list, used once at
	// startup to reconcile against the device store.
	Contacts(ctx context.Context) ([]Contact, error)

	// Close releases any resources held by the transport.
	Close() error
}

// AccountProvider is implemented by transports backed by a single
// addressable system account (package ring's Jami account) that can be
// disabled/enabled independently of the process's own lifecycle. Bridge
// transports (discord, telegram) do not implement this; the Supervisor
// skips the account bootstrap step when the configured transport doesn't.
type AccountProvider interface {
	Account(ctx context.Context) (model.Account, error)
	EnableAccount(ctx context.Context) error
}

// Router fans an outbound SendText across a fixed set of transports,
// stopping at the first one that accepts hash. It is shared by the
// Supervisor and the Command Interpreter so neither needs to depend on the
// other just to deliver a reply.
type Router struct {
	Transports []Transport
}

// SendText satisfies command.Replier.
func (r Router) SendText(ctx context.Context, hash, body string) error {
	var lastErr error
	for _, t := range r.Transports {
		if err := t.SendText(ctx, hash, body); err == nil {
			return nil
		} else {
			lastErr = err
		}
	}
	return lastErr
}
