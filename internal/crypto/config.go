package crypto

import (
	"fmt"

	"github.com/rakunlabs/at/internal/config"
)

// EncryptBridges encrypts the bot tokens of cfg's configured bridges
// in-place and returns the modified config. If key is nil, cfg is returned
// unchanged (no-op). The encrypted tokens can be placed in the configuration;
// DecryptBridges restores them at startup when store.encryption_key is set.
func EncryptBridges(cfg config.Bridges, key []byte) (config.Bridges, error) {
	if key == nil {
		return cfg, nil
	}

	if cfg.Discord != nil && cfg.Discord.Token != "" {
		enc, err := Encrypt(cfg.Discord.Token, key)
		if err != nil {
			return cfg, fmt.Errorf("encrypt discord token: %w", err)
		}
		token := *cfg.Discord
		token.Token = enc
		cfg.Discord = &token
	}

	if cfg.Telegram != nil && cfg.Telegram.Token != "" {
		enc, err := Encrypt(cfg.Telegram.Token, key)
		if err != nil {
			return cfg, fmt.Errorf("encrypt telegram token: %w", err)
		}
		token := *cfg.Telegram
		token.Token = enc
		cfg.Telegram = &token
	}

	return cfg, nil
}

// DecryptBridges reverses EncryptBridges. Tokens without the "enc:" prefix
// pass through unchanged, so plaintext tokens written before encryption
// was enabled keep working.
func DecryptBridges(cfg config.Bridges, key []byte) (config.Bridges, error) {
	if key == nil {
		return cfg, nil
	}

	if cfg.Discord != nil && cfg.Discord.Token != "" {
		dec, err := Decrypt(cfg.Discord.Token, key)
		if err != nil {
			return cfg, fmt.Errorf("decrypt discord token: %w", err)
		}
		token := *cfg.Discord
		token.Token = dec
		cfg.Discord = &token
	}

	if cfg.Telegram != nil && cfg.Telegram.Token != "" {
		dec, err := Decrypt(cfg.Telegram.Token, key)
		if err != nil {
			return cfg, fmt.Errorf("decrypt telegram token: %w", err)
		}
		token := *cfg.Telegram
		token.Token = dec
		cfg.Telegram = &token
	}

	return cfg, nil
}
