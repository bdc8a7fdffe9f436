// Package config loads RORI's configuration the way the teacher codebase
// does: chu.Load layered over env vars (RORI_ prefix) and config files,
// with logi driving the log level it resolves to.
package config

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/rakunlabs/alan"
	_ "github.com/rakunlabs/chu/loader/external/loaderconsul"
	_ "github.com/rakunlabs/chu/loader/external/loadervault"
	"github.com/rakunlabs/chu/loader/loaderenv"
	"github.com/rakunlabs/logi"

	"github.com/rakunlabs/chu"
	"github.com/rakunlabs/tell"
)

var Service = "rori"

// Config is RORI's top-level configuration tree.
type Config struct {
	LogLevel string `cfg:"log_level,no_prefix" default:"info"`

	// Ring configures the account this instance drives on the Jami/Ring
	// daemon control shim.
	Ring Ring `cfg:"ring"`

	// Bridges configures optional Discord/Telegram bridge transports that
	// run alongside the primary Ring transport.
	Bridges Bridges `cfg:"bridges"`

	// Modules points at the directory module bodies are loaded from.
	Modules Modules `cfg:"modules"`

	Store     Store       `cfg:"store"`
	Server    Server      `cfg:"server"`
	Telemetry tell.Config `cfg:"telemetry,noprefix"`
}

// Ring configures the primary Jami/Ring transport.
type Ring struct {
	// BaseURL of the local daemon control shim, e.g. "http://127.0.0.1:8182".
	BaseURL string `cfg:"base_url" default:"http://127.0.0.1:8182"`
	// AccountID is the Jami account this instance drives. It is used as-is
	// in every shim request path; no account is created when it is empty.
	AccountID string `cfg:"account_id"`
	// Alias is read from configuration but not passed to the ring
	// transport; the account's display name is not changed at startup.
	Alias string `cfg:"alias" default:"rori"`
	// PollInterval controls how often the shim is polled for new events.
	PollInterval time.Duration `cfg:"poll_interval" default:"2s"`
}

// Bridges configures the optional bot bridge transports.
type Bridges struct {
	Discord  *DiscordBridge  `cfg:"discord"`
	Telegram *TelegramBridge `cfg:"telegram"`
}

// DiscordBridge configures the Discord bot bridge transport.
type DiscordBridge struct {
	Token string `cfg:"token" log:"-"`
}

// TelegramBridge configures the Telegram bot bridge transport.
type TelegramBridge struct {
	Token string `cfg:"token" log:"-"`
}

// Modules configures module body loading.
type Modules struct {
	// Dir is the filesystem directory module .js bodies are read from.
	Dir string `cfg:"dir" default:"./modules"`
	// Timeout bounds a single module invocation.
	Timeout time.Duration `cfg:"timeout" default:"5s"`
	// BandWorkers caps concurrency within one priority band; 0 means
	// unbounded (one goroutine per module in the band).
	BandWorkers int `cfg:"band_workers" default:"8"`
}

// Server configures the HTTPS control surface.
type Server struct {
	BasePath string `cfg:"base_path"`

	Port string `cfg:"port" default:"8443"`
	Host string `cfg:"host"`

	// TLSCert and TLSKey, if both set, serve the control surface over TLS.
	// RORI's control surface carries device/user/task data and should not
	// be exposed in plaintext outside a trusted loopback.
	TLSCert string `cfg:"tls_cert"`
	TLSKey  string `cfg:"tls_key"`

	// AdminToken, if set, protects every control-surface endpoint with
	// bearer token authentication.
	AdminToken string `cfg:"admin_token" log:"-"`

	// Alan, if set, enables distributed clustering via UDP peer discovery
	// so only one clustered instance's Scheduler ticks at a time.
	Alan *alan.Config `cfg:"alan"`
}

// Store selects and configures the persistence backend.
type Store struct {
	Postgres *StorePostgres `cfg:"postgres"`
	SQLite   *StoreSQLite   `cfg:"sqlite"`

	// EncryptionKey, if set, is the passphrase for AES-256-GCM encrypted
	// bridge bot tokens in this configuration: "enc:"-prefixed tokens are
	// decrypted at startup. The 32-byte key is the SHA-256 of the passphrase.
	EncryptionKey string `cfg:"encryption_key" log:"-"`
}

type StorePostgres struct {
	TablePrefix     *string        `cfg:"table_prefix"`
	Datasource      string         `cfg:"datasource" log:"-"`
	Schema          string         `cfg:"schema"`
	ConnMaxLifetime *time.Duration `cfg:"conn_max_lifetime"`
	MaxIdleConns    *int           `cfg:"max_idle_conns"`
	MaxOpenConns    *int           `cfg:"max_open_conns"`

	Migrate Migrate `cfg:"migrate"`
}

type StoreSQLite struct {
	TablePrefix *string `cfg:"table_prefix"`
	Datasource  string  `cfg:"datasource" default:"./rori.db"`

	Migrate Migrate `cfg:"migrate"`
}

type Migrate struct {
	Datasource string            `cfg:"datasource" log:"-"`
	Schema     string            `cfg:"schema"`
	Table      string            `cfg:"table"`
	Values     map[string]string `cfg:"values"`
}

// Load reads configuration from path (overlaid by RORI_-prefixed env vars)
// and applies the resolved log level.
func Load(ctx context.Context, path string) (*Config, error) {
	var cfg Config
	if err := chu.Load(ctx, path, &cfg, chu.WithLoaderOption(loaderenv.New(loaderenv.WithPrefix("RORI_")))); err != nil {
		return nil, err
	}

	if err := logi.SetLogLevel(cfg.LogLevel); err != nil {
		return nil, fmt.Errorf("set log level %s: %w", cfg.LogLevel, err)
	}

	slog.Info("loaded configuration", "config", chu.MarshalMap(cfg))

	return &cfg, nil
}
