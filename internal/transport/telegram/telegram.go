// Package telegram implements a bridge transport.Transport backed by
// go-telegram-bot-api. Each Telegram chat becomes a bridge device hash of
// "telegram:<chat-id>"; the sending user's Telegram ID is carried as the
// sub-author, same convention as package discord.
package telegram

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/rakunlabs/at/internal/transport"
)

// Config configures the Telegram bridge.
type Config struct {
	Token string
}

// Transport bridges one Telegram bot into RORI.
type Transport struct {
	bot *tgbotapi.BotAPI
}

// New authenticates a Telegram bot session.
func New(cfg Config) (*Transport, error) {
	bot, err := tgbotapi.NewBotAPI(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}

	return &Transport{bot: bot}, nil
}

// DeviceHash formats the bridge device hash for a Telegram chat.
func DeviceHash(chatID int64) string {
	return "telegram:" + strconv.FormatInt(chatID, 10)
}

// ChatID recovers the Telegram chat ID from a bridge device hash. A
// sub-author's device hash is "telegram:<chat-id>#<sub_author>"; the
// sub-author suffix is stripped before parsing, since Telegram itself
// knows nothing about RORI sub-authors.
func ChatID(hash string) (int64, bool) {
	hash, _, _ = strings.Cut(hash, "#")
	raw, ok := strings.CutPrefix(hash, "telegram:")
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// Start polls Telegram's long-poll updates endpoint and forwards text
// messages as transport.Inbound until ctx is canceled.
func (t *Transport) Start(ctx context.Context, messages chan<- transport.Inbound, _ chan<- transport.TrustRequest) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30

	updates := t.bot.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			t.bot.StopReceivingUpdates()
			return ctx.Err()
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			if update.Message == nil || update.Message.From == nil || update.Message.From.IsBot {
				continue
			}

			messages <- transport.Inbound{
				DeviceHash: DeviceHash(update.Message.Chat.ID),
				Body:       update.Message.Text,
				Datatype:   "text/plain",
				Metadatas: map[string]string{
					"sa":      strconv.FormatInt(update.Message.From.ID, 10),
					"sa_name": update.Message.From.UserName,
				},
			}
		}
	}
}

// SendText sends body to the Telegram chat encoded in hash.
func (t *Transport) SendText(_ context.Context, hash, body string) error {
	chatID, ok := ChatID(hash)
	if !ok {
		return fmt.Errorf("telegram: %q is not a telegram bridge hash", hash)
	}

	_, err := t.bot.Send(tgbotapi.NewMessage(chatID, body))
	return err
}

// AcceptTrustRequest is a no-op; Telegram has no contact-request handshake.
func (t *Transport) AcceptTrustRequest(context.Context, string) error {
	return nil
}

// Contacts returns no contacts; Telegram chats appear as they message in.
func (t *Transport) Contacts(context.Context) ([]transport.Contact, error) {
	return nil, nil
}

// Close stops the bot's update receiver.
func (t *Transport) Close() error {
	t.bot.StopReceivingUpdates()
	return nil
}

var _ transport.Transport = (*Transport)(nil)
