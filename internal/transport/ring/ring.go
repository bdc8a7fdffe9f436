// Package ring implements transport.Transport against a local Jami/Ring
// daemon control shim. The Jami daemon itself speaks DBus; rather than
// cgo-binding libdbus, RORI expects a small sidecar (jami-dbus-http, or
// equivalent) that exposes the daemon's account/conversation/contact
// operations over HTTP, and talks to that sidecar the same way the
// teacher codebase talks to upstream LLM providers: through klient.
package ring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/worldline-go/klient"

	"github.com/rakunlabs/at/internal/model"
	"github.com/rakunlabs/at/internal/transport"
)

// Config configures the ring Transport.
type Config struct {
	// BaseURL of the local Jami daemon control shim, e.g.
	// "http://127.0.0.1:8182".
	BaseURL string
	// AccountID is the Jami account this RORI instance drives.
	AccountID string
	// PollInterval is how often Poll-mode deployments check for new
	// messages when the shim has no push/webhook support.
	PollInterval time.Duration
}

// Transport drives a Jami account through the control shim's HTTP API.
type Transport struct {
	cfg    Config
	client *klient.Client
}

// New builds a ring Transport.
func New(cfg Config) (*Transport, error) {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}

	client, err := klient.New(
		klient.WithDisableBaseURLCheck(true),
		klient.WithLogger(slog.Default()),
	)
	if err != nil {
		return nil, fmt.Errorf("build ring client: %w", err)
	}

	return &Transport{cfg: cfg, client: client}, nil
}

type inboundEvent struct {
	DeviceHash string            `json:"device_hash"`
	Body       string            `json:"body"`
	Datatype   string            `json:"datatype"`
	Metadatas  map[string]string `json:"metadatas"`
}

type trustRequestEvent struct {
	DeviceHash string `json:"device_hash"`
}

type eventEnvelope struct {
	Type         string             `json:"type"` // "message" | "trust_request"
	Message      *inboundEvent      `json:"message,omitempty"`
	TrustRequest *trustRequestEvent `json:"trust_request,omitempty"`
}

// Start polls the shim's /accounts/{id}/events endpoint and fans events out
// to the given channels until ctx is canceled.
func (t *Transport) Start(ctx context.Context, messages chan<- transport.Inbound, trustRequests chan<- transport.TrustRequest) error {
	ticker := time.NewTicker(t.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			events, err := t.pollEvents(ctx)
			if err != nil {
				slog.Error("ring: poll events failed", "error", err)
				continue
			}

			for _, ev := range events {
				switch ev.Type {
				case "message":
					if ev.Message == nil {
						continue
					}
					select {
					case messages <- transport.Inbound{
						DeviceHash: ev.Message.DeviceHash,
						Body:       ev.Message.Body,
						Datatype:   ev.Message.Datatype,
						Metadatas:  ev.Message.Metadatas,
						Time:       time.Now(),
					}:
					case <-ctx.Done():
						return ctx.Err()
					}
				case "trust_request":
					if ev.TrustRequest == nil {
						continue
					}
					select {
					case trustRequests <- transport.TrustRequest{DeviceHash: ev.TrustRequest.DeviceHash}:
					case <-ctx.Done():
						return ctx.Err()
					}
				}
			}
		}
	}
}

func (t *Transport) pollEvents(ctx context.Context) ([]eventEnvelope, error) {
	path := fmt.Sprintf("/accounts/%s/events", t.cfg.AccountID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.cfg.BaseURL+path, nil)
	if err != nil {
		return nil, err
	}

	resp, err := t.client.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("shim returned %d: %s", resp.StatusCode, body)
	}

	var events []eventEnvelope
	if err := json.Unmarshal(body, &events); err != nil {
		return nil, fmt.Errorf("decode events: %w", err)
	}

	return events, nil
}

// SendText sends body to hash through the shim's send-message endpoint.
func (t *Transport) SendText(ctx context.Context, hash, body string) error {
	path := fmt.Sprintf("/accounts/%s/conversations/%s/messages", t.cfg.AccountID, hash)

	payload, err := json.Marshal(map[string]string{"body": body})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("shim returned %d: %s", resp.StatusCode, b)
	}

	return nil
}

// AcceptTrustRequest accepts a pending contact request from hash.
func (t *Transport) AcceptTrustRequest(ctx context.Context, hash string) error {
	path := fmt.Sprintf("/accounts/%s/contacts/%s/accept", t.cfg.AccountID, hash)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.BaseURL+path, nil)
	if err != nil {
		return err
	}

	resp, err := t.client.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("shim returned %d: %s", resp.StatusCode, b)
	}

	return nil
}

// Contacts lists the account's current contacts.
func (t *Transport) Contacts(ctx context.Context) ([]transport.Contact, error) {
	path := fmt.Sprintf("/accounts/%s/contacts", t.cfg.AccountID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.cfg.BaseURL+path, nil)
	if err != nil {
		return nil, err
	}

	resp, err := t.client.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("shim returned %d: %s", resp.StatusCode, body)
	}

	var contacts []transport.Contact
	if err := json.Unmarshal(body, &contacts); err != nil {
		return nil, fmt.Errorf("decode contacts: %w", err)
	}

	return contacts, nil
}

// Close is a no-op; the HTTP client has no persistent connection to tear
// down beyond what the transport's idle pool already manages.
func (t *Transport) Close() error { return nil }

type accountInfo struct {
	ID      string `json:"id"`
	Hash    string `json:"hash"`
	Alias   string `json:"alias"`
	Enabled bool   `json:"enabled"`
}

// Account queries the shim for this instance's Jami account details.
func (t *Transport) Account(ctx context.Context) (model.Account, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.cfg.BaseURL+"/accounts/"+t.cfg.AccountID, nil)
	if err != nil {
		return model.Account{}, err
	}

	resp, err := t.client.HTTP.Do(req)
	if err != nil {
		return model.Account{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return model.Account{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return model.Account{}, fmt.Errorf("shim returned %d: %s", resp.StatusCode, body)
	}

	var info accountInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return model.Account{}, fmt.Errorf("decode account: %w", err)
	}

	return model.Account{ID: info.ID, Hash: info.Hash, Alias: info.Alias, Enabled: info.Enabled}, nil
}

// EnableAccount flips the account to enabled via sendRegister, the way the
// daemon re-registers a disabled account on the Jami network.
func (t *Transport) EnableAccount(ctx context.Context) error {
	path := fmt.Sprintf("/accounts/%s/register", t.cfg.AccountID)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.BaseURL+path, nil)
	if err != nil {
		return err
	}

	resp, err := t.client.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("shim returned %d: %s", resp.StatusCode, b)
	}

	return nil
}

var _ transport.Transport = (*Transport)(nil)
var _ transport.AccountProvider = (*Transport)(nil)
