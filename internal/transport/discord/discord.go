// Package discord implements a bridge transport.Transport backed by
// discordgo. A single Discord bot device carries many remote Discord
// users as sub-authors: every inbound message is addressed with a device
// hash of "discord:<channel-id>" and a sub-author of the sending user's
// Discord ID, matching the bridge/sub-author model the rest of RORI's
// identity layer expects.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/bwmarrin/discordgo"

	"github.com/rakunlabs/at/internal/transport"
)

// Config configures the Discord bridge.
type Config struct {
	Token string
}

// Transport bridges one Discord bot connection into RORI.
type Transport struct {
	cfg     Config
	session *discordgo.Session

	mu       sync.Mutex
	messages chan<- transport.Inbound
}

// New connects a Discord bot session. The connection itself is opened by
// Start, matching the rest of the transport package's lifecycle.
func New(cfg Config) (*Transport, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}

	return &Transport{cfg: cfg, session: session}, nil
}

// DeviceHash formats the bridge device hash for a Discord channel.
func DeviceHash(channelID string) string {
	return "discord:" + channelID
}

// ChannelID recovers the Discord channel ID from a bridge device hash. A
// sub-author's device hash is "discord:<channel-id>#<sub_author>"; the
// sub-author suffix is stripped before the channel ID is used, since
// Discord itself knows nothing about RORI sub-authors.
func ChannelID(hash string) (string, bool) {
	hash, _, _ = strings.Cut(hash, "#")
	id, ok := strings.CutPrefix(hash, "discord:")
	return id, ok
}

// Start opens the Discord gateway connection and forwards every non-bot
// message as a transport.Inbound until ctx is canceled. Discord has no
// notion of trust requests, so trustRequests never receives anything.
func (t *Transport) Start(ctx context.Context, messages chan<- transport.Inbound, trustRequests chan<- transport.TrustRequest) error {
	t.mu.Lock()
	t.messages = messages
	t.mu.Unlock()

	t.session.AddHandler(t.onMessageCreate)
	t.session.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages

	if err := t.session.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}
	defer t.session.Close()

	<-ctx.Done()
	return ctx.Err()
}

func (t *Transport) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot {
		return
	}

	t.mu.Lock()
	messages := t.messages
	t.mu.Unlock()
	if messages == nil {
		return
	}

	messages <- transport.Inbound{
		DeviceHash: DeviceHash(m.ChannelID),
		Body:       m.Content,
		Datatype:   "text/plain",
		Metadatas: map[string]string{
			"sa":      m.Author.ID,
			"sa_name": m.Author.Username,
		},
	}
}

// SendText posts body to the Discord channel encoded in hash.
func (t *Transport) SendText(_ context.Context, hash, body string) error {
	channelID, ok := ChannelID(hash)
	if !ok {
		return fmt.Errorf("discord: %q is not a discord bridge hash", hash)
	}

	_, err := t.session.ChannelMessageSend(channelID, body)
	return err
}

// AcceptTrustRequest is a no-op: Discord has no contact-request concept at
// the channel level this bridge operates on.
func (t *Transport) AcceptTrustRequest(context.Context, string) error {
	return nil
}

// Contacts returns no contacts; bridge reconciliation for Discord happens
// implicitly as channels post messages, not through a static list.
func (t *Transport) Contacts(context.Context) ([]transport.Contact, error) {
	return nil, nil
}

// Close disconnects the Discord gateway session.
func (t *Transport) Close() error {
	slog.Info("discord: closing bridge session")
	return t.session.Close()
}

var _ transport.Transport = (*Transport)(nil)
