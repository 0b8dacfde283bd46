package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/callhub/internal/util"
)

// FileName is the config file looked up inside a service directory.
const FileName = "callhub.json"

type Config struct {
	Server  Server  `json:"server"`
	Signal  Signal  `json:"signal"`
	Admin   Admin   `json:"admin"`
	Journal Journal `json:"journal"`
	Logging Logging `json:"logging"`
}

type Server struct {
	// Listen address for HTTP + WebSocket, e.g. ":3000" or "127.0.0.1:3000".
	HTTPAddr string `json:"http_addr"`

	// Origins allowed to open /ws. Empty allows any origin.
	// Entries are matched exactly against the Origin header ("capacitor://localhost").
	AllowedOrigins []string `json:"allowed_origins"`

	ReadHeaderTimeoutSec int `json:"read_header_timeout_seconds"`
}

type Signal struct {
	// Ringing invitations are auto-declined after this many seconds.
	InviteTimeoutSec int `json:"invite_timeout_seconds"`

	// Outbound frames buffered per connection before it is dropped as a slow consumer.
	SendQueue int `json:"send_queue"`

	PingIntervalSec int   `json:"ping_interval_seconds"`
	PongWaitSec     int   `json:"pong_wait_seconds"`
	MaxMessageBytes int64 `json:"max_message_bytes"`

	// Inbound events per minute.
	RateLimitPerConn int `json:"rate_limit_per_conn"`
	RateLimitGlobal  int `json:"rate_limit_global"`
}

type Admin struct {
	// HTTP Basic Auth password for /api/admin/* (user: "admin").
	// PasswordHash (bcrypt) wins when both are set. Both empty disables admin routes.
	Password     string `json:"password"`
	PasswordHash string `json:"password_hash"`
}

type Journal struct {
	// SQLite file for the signaling journal, relative to the service dir.
	// Empty disables the journal.
	DBPath         string `json:"db_path"`
	RetentionHours int    `json:"retention_hours"`
}

type Logging struct {
	Level      string            `json:"level"`
	Format     string            `json:"format"` // color | nocolor | json
	Subsystems map[string]string `json:"subsystems"`
}

func Default() Config {
	return Config{
		Server: Server{
			HTTPAddr:             ":3000",
			ReadHeaderTimeoutSec: 5,
		},
		Signal: Signal{
			InviteTimeoutSec: 45,
			SendQueue:        64,
			PingIntervalSec:  25,
			PongWaitSec:      60,
			MaxMessageBytes:  16 * 1024,
			RateLimitPerConn: 120,
			RateLimitGlobal:  20000,
		},
		Journal: Journal{
			RetentionHours: 72,
		},
		Logging: Logging{
			Level:  "info",
			Format: "color",
		},
	}
}

func (c *Config) Validate() error {
	// Server
	if strings.TrimSpace(c.Server.HTTPAddr) == "" {
		return errors.New("server.http_addr is required")
	}
	if _, port, err := net.SplitHostPort(c.Server.HTTPAddr); err != nil || port == "" {
		return errors.New("server.http_addr must be host:port")
	}
	if c.Server.ReadHeaderTimeoutSec <= 0 {
		return errors.New("server.read_header_timeout_seconds must be > 0")
	}
	for _, o := range c.Server.AllowedOrigins {
		if strings.TrimSpace(o) == "" {
			return errors.New("server.allowed_origins must not contain empty entries")
		}
	}

	// Signal
	if c.Signal.InviteTimeoutSec < 5 || c.Signal.InviteTimeoutSec > 300 {
		return errors.New("signal.invite_timeout_seconds must be 5..300")
	}
	if c.Signal.SendQueue < 1 || c.Signal.SendQueue > 4096 {
		return errors.New("signal.send_queue must be 1..4096")
	}
	if c.Signal.PingIntervalSec <= 0 {
		return errors.New("signal.ping_interval_seconds must be > 0")
	}
	if c.Signal.PongWaitSec <= c.Signal.PingIntervalSec {
		return errors.New("signal.pong_wait_seconds must be > signal.ping_interval_seconds")
	}
	if c.Signal.MaxMessageBytes < 512 {
		return errors.New("signal.max_message_bytes must be >= 512")
	}
	if c.Signal.RateLimitPerConn <= 0 {
		return errors.New("signal.rate_limit_per_conn must be > 0")
	}
	if c.Signal.RateLimitGlobal < c.Signal.RateLimitPerConn {
		return errors.New("signal.rate_limit_global must be >= signal.rate_limit_per_conn")
	}

	// Journal
	if c.Journal.DBPath != "" && c.Journal.RetentionHours <= 0 {
		return errors.New("journal.retention_hours must be > 0 when journal.db_path is set")
	}

	// Logging
	if _, err := logging.LevelFromString(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	switch c.Logging.Format {
	case "color", "nocolor", "json":
	default:
		return errors.New("logging.format must be color, nocolor or json")
	}
	for sys, lvl := range c.Logging.Subsystems {
		if _, err := logging.LevelFromString(lvl); err != nil {
			return fmt.Errorf("logging.subsystems[%s]: %w", sys, err)
		}
	}

	return nil
}

// AdminEnabled reports whether any admin credential is configured.
func (c *Config) AdminEnabled() bool {
	return c.Admin.Password != "" || c.Admin.PasswordHash != ""
}

func Load(path string) (Config, error) {
	cfg, err := LoadPartial(path)
	if err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// LoadPartial reads a config file without validation.
func LoadPartial(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
