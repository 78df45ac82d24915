// Package config loads the runtime configuration. config.json is read once
// at startup and never hot-reloaded; policy.json (the policy package) is
// the hot-reloaded document. The two must not be conflated.
package config

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"github.com/lromao/majordomo/pkg/majordomo/bridge"
	"github.com/lromao/majordomo/pkg/majordomo/memory"
	"github.com/lromao/majordomo/pkg/majordomo/security"
	"github.com/lromao/majordomo/pkg/majordomo/tts"
)

// EnvRoot overrides the config root directory.
const EnvRoot = "MAJORDOMO_HOME"

// ChannelToggle enables one channel adapter.
type ChannelToggle struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token,omitempty"`
}

// Config is the root runtime document.
type Config struct {
	// Channels toggles and credentials per adapter.
	Channels map[string]ChannelToggle `json:"channels"`

	// Bridge is the WhatsApp bridge server configuration.
	Bridge struct {
		Server  bridge.ServerConfig  `json:"server"`
		Session bridge.SessionConfig `json:"session"`
	} `json:"bridge"`

	// Responder selects the LLM backend route.
	Responder struct {
		BaseURL    string `json:"base_url"`
		APIKey     string `json:"api_key"`
		Model      string `json:"model"`
		TimeoutSec int    `json:"timeout_sec"`
	} `json:"responder"`

	// Memory tunes capture and recall.
	Memory memory.Config `json:"memory"`

	// Embeddings configures the optional vector backend.
	Embeddings memory.HTTPEmbeddingConfig `json:"embeddings"`

	// Security configures the rule engine.
	Security security.Config `json:"security"`

	// TTS configures voice synthesis.
	TTS tts.Config `json:"tts"`

	// ArchiveRetentionDays is the inbound archive retention window.
	ArchiveRetentionDays int `json:"archive_retention_days"`

	// MemoryRetentionDays is the memory store retention (0 = keep).
	MemoryRetentionDays int `json:"memory_retention_days"`

	// QueueSize bounds the bus queues.
	QueueSize int `json:"queue_size"`

	// Root is the resolved config root (not serialized).
	Root string `json:"-"`
}

// Default returns the built-in configuration rooted at dir.
func Default(dir string) *Config {
	cfg := &Config{
		Channels:             map[string]ChannelToggle{},
		Memory:               memory.DefaultConfig(),
		Security:             security.DefaultConfig(),
		ArchiveRetentionDays: 30,
		QueueSize:            1000,
		Root:                 dir,
	}
	cfg.Bridge.Server = bridge.ServerConfig{Host: "127.0.0.1", Port: 3391}
	cfg.Bridge.Session = bridge.DefaultSessionConfig()
	cfg.Responder.TimeoutSec = 120
	return cfg
}

// Root resolves the config root directory: $MAJORDOMO_HOME or
// ~/.majordomo.
func Root() string {
	if dir := os.Getenv(EnvRoot); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".majordomo"
	}
	return filepath.Join(home, ".majordomo")
}

// Load reads config.json from the root (using built-in defaults when missing),
// loads .env, and applies environment overrides.
func Load() (*Config, error) {
	root := Root()
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("creating config root: %w", err)
	}
	// .env is optional.
	_ = godotenv.Load(filepath.Join(root, ".env"))

	cfg := Default(root)
	path := filepath.Join(root, "config.json")
	if data, err := os.ReadFile(path); err == nil {
		dec := json.NewDecoder(strings.NewReader(string(data)))
		dec.DisallowUnknownFields()
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("parsing config.json: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading config.json: %w", err)
	}
	cfg.Root = root

	applyEnv(cfg)
	fillPaths(cfg)
	return cfg, cfg.Validate()
}

// applyEnv applies the environment contract over the file values.
func applyEnv(cfg *Config) {
	if v := os.Getenv("BRIDGE_HOST"); v != "" {
		cfg.Bridge.Server.Host = v
	}
	if v := os.Getenv("BRIDGE_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Bridge.Server.Port = port
		}
	}
	if v := os.Getenv("BRIDGE_TOKEN"); v != "" {
		cfg.Bridge.Server.Token = v
	}
	if v := os.Getenv("AUTH_DIR"); v != "" {
		cfg.Bridge.Session.AuthDir = v
	}
	if v := os.Getenv("MEDIA_INCOMING_DIR"); v != "" {
		cfg.Bridge.Session.MediaIncomingDir = v
	}
	if v := os.Getenv("MEDIA_OUTGOING_DIR"); v != "" {
		cfg.Bridge.Session.MediaOutgoingDir = v
	}
	if v := os.Getenv("WHATSAPP_PERSIST_INBOUND_AUDIO"); v != "" {
		cfg.Bridge.Session.PersistAudio = envBool(v)
	}
	if v := os.Getenv("WHATSAPP_ACCEPT_FROM_ME"); v != "" {
		cfg.Bridge.Session.AcceptFromMe = envBool(v)
	}
	if v := os.Getenv("WHATSAPP_READ_RECEIPTS"); v != "" {
		cfg.Bridge.Session.ReadReceipts = envBool(v)
	}
}

func envBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// fillPaths derives the on-disk layout under the root for paths the file
// left empty.
func fillPaths(cfg *Config) {
	root := cfg.Root
	if cfg.Bridge.Session.AuthDir == "" {
		cfg.Bridge.Session.AuthDir = filepath.Join(root, "whatsapp-auth")
	}
	if cfg.Bridge.Session.MediaIncomingDir == "" {
		cfg.Bridge.Session.MediaIncomingDir = filepath.Join(root, "media", "incoming", "whatsapp")
	}
	if cfg.Bridge.Session.MediaOutgoingDir == "" {
		cfg.Bridge.Session.MediaOutgoingDir = filepath.Join(root, "media", "outgoing", "whatsapp")
	}
	if cfg.TTS.OutDir == "" {
		cfg.TTS.OutDir = cfg.Bridge.Session.MediaOutgoingDir
	}
}

// Validate enforces the startup contract: the bridge refuses to run
// without a token or off loopback.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Bridge.Server.Token) == "" {
		return fmt.Errorf("BRIDGE_TOKEN must be set and non-empty")
	}
	host := c.Bridge.Server.Host
	if host != "localhost" {
		ip := net.ParseIP(host)
		if ip == nil || !ip.IsLoopback() {
			return fmt.Errorf("BRIDGE_HOST %q is not a loopback address", host)
		}
	}
	return nil
}

// PolicyPath returns the policy.json location.
func (c *Config) PolicyPath() string { return filepath.Join(c.Root, "policy.json") }

// ArchivePath returns the inbound archive database location.
func (c *Config) ArchivePath() string {
	return filepath.Join(c.Root, "inbound", "reply_context.db")
}

// MemoryPath returns the memory database location.
func (c *Config) MemoryPath() string { return filepath.Join(c.Root, "memory", "memory.db") }

// SessionsDir returns the session files directory.
func (c *Config) SessionsDir() string { return filepath.Join(c.Root, "sessions") }

// AuditDir returns the policy audit directory.
func (c *Config) AuditDir() string { return filepath.Join(c.Root, "policy-audit") }
