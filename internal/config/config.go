// Package config loads AgentPager's configuration from a TOML file
// overlaid by environment variables, the latter always taking precedence.
package config

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/pyyush/agent-pager-sub000/internal/gatewaylimits"
	"github.com/pyyush/agent-pager-sub000/internal/token"
)

// Config holds every runtime-tunable setting for the gateway.
type Config struct {
	// Hook ingestion
	HookPort   int
	HookSecret string

	// LAN transport
	BindHost string
	WSPort   int
	WSBearer string

	// Relay transport
	RelayURL    string
	RelayRoom   string
	RelayBearer string
	RelayE2E    bool
	// RelaySigningKey is the gateway's own ed25519 identity for the E2E
	// key-agreement handshake; generated on first run and persisted.
	RelaySigningKey ed25519.PrivateKey
	// RelayPeerPublicKey is the paired approver's ed25519 public key.
	// Empty until the operator pairs a device; E2E stays disabled until
	// both this and RelaySigningKey are present.
	RelayPeerPublicKey ed25519.PublicKey

	// Storage
	DataDir string
	DBPath  string

	// Logging
	LogLevel  string
	LogFormat string

	// Resource limit overrides (default to gatewaylimits constants)
	MaxConcurrentSessions int
	MaxLANClients         int
	ApprovalTimeout       time.Duration
	HeartbeatInterval     time.Duration

	// AutoApproveSafe lets safe-risk permission requests through without
	// blocking on a human approver.
	AutoApproveSafe bool
}

// fileConfig mirrors config.toml's on-disk shape. Every field is a pointer
// so an absent TOML key never shadows its environment-variable equivalent.
type fileConfig struct {
	Gateway *struct {
		HookPort        *int    `toml:"hook_port"`
		BindHost        *string `toml:"bind_host"`
		WSPort          *int    `toml:"ws_port"`
		LogLevel        *string `toml:"log_level"`
		AutoApproveSafe *bool   `toml:"auto_approve_safe"`
	} `toml:"gateway"`
	LAN *struct {
		Bearer *string `toml:"bearer"`
	} `toml:"lan"`
	Relay *struct {
		URL           *string `toml:"url"`
		Room          *string `toml:"room"`
		Bearer        *string `toml:"bearer"`
		E2E           *bool   `toml:"e2e"`
		SigningKey    *string `toml:"signing_key"`
		PeerPublicKey *string `toml:"peer_public_key"`
	} `toml:"relay"`
	Limits *struct {
		MaxConcurrentSessions *int `toml:"max_concurrent_sessions"`
		MaxLANClients         *int `toml:"max_lan_clients"`
	} `toml:"limits"`
}

// Load reads config.toml from dataDir (if present) and overlays environment
// variables on top, environment always winning. A missing hook secret is
// generated and written back to config.toml.
func Load(dataDir string) (*Config, error) {
	if dataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home directory: %w", err)
		}
		dataDir = filepath.Join(home, ".agentpager")
	}

	fc, err := loadFileConfig(dataDir)
	if err != nil {
		return nil, fmt.Errorf("load config.toml: %w", err)
	}

	cfg := &Config{
		HookPort:   getEnvInt("BRIDGE_PORT", fileInt(fc.gatewayHookPort(), 4792)),
		HookSecret: getEnv("BRIDGE_SECRET", fc.gatewayHookSecretPlaceholder()),

		BindHost: getEnv("AGENTPAGER_BIND_HOST", fileString(fc.gatewayBindHost(), "0.0.0.0")),
		WSPort:   getEnvInt("AGENTPAGER_WS_PORT", fileInt(fc.gatewayWSPort(), 4793)),
		WSBearer: getEnv("AGENTPAGER_WS_BEARER", fileString(fc.lanBearer(), "")),

		RelayURL:    getEnv("AGENTPAGER_RELAY_URL", fileString(fc.relayURL(), "")),
		RelayRoom:   getEnv("AGENTPAGER_RELAY_ROOM", fileString(fc.relayRoom(), "")),
		RelayBearer: getEnv("AGENTPAGER_RELAY_BEARER", fileString(fc.relayBearer(), "")),
		RelayE2E:    getEnvBool("AGENTPAGER_RELAY_E2E", fileBool(fc.relayE2E(), false)),

		DataDir: dataDir,
		DBPath:  filepath.Join(dataDir, "agentpager.db"),

		LogLevel:  getEnv("LOG_LEVEL", fileString(fc.gatewayLogLevel(), "info")),
		LogFormat: getEnv("LOG_FORMAT", "json"),

		MaxConcurrentSessions: getEnvInt("AGENTPAGER_MAX_SESSIONS", fileInt(fc.limitsMaxSessions(), gatewaylimits.MaxConcurrentSessions)),
		MaxLANClients:         getEnvInt("AGENTPAGER_MAX_LAN_CLIENTS", fileInt(fc.limitsMaxLANClients(), gatewaylimits.MaxLANClients)),
		ApprovalTimeout:       getEnvDuration("AGENTPAGER_APPROVAL_TIMEOUT", gatewaylimits.ApprovalTimeout),
		HeartbeatInterval:     getEnvDuration("AGENTPAGER_HEARTBEAT_INTERVAL", gatewaylimits.HeartbeatInterval),

		AutoApproveSafe: getEnvBool("AGENTPAGER_AUTO_APPROVE_SAFE", fileBool(fc.gatewayAutoApproveSafe(), false)),
	}

	if cfg.HookSecret == "" {
		secret, err := token.Generate()
		if err != nil {
			return nil, fmt.Errorf("generate hook secret: %w", err)
		}
		cfg.HookSecret = secret
		if err := persistHookSecret(dataDir, fc, secret); err != nil {
			return nil, fmt.Errorf("persist generated hook secret: %w", err)
		}
	}

	if cfg.WSBearer == "" {
		bearer, err := token.Generate()
		if err != nil {
			return nil, fmt.Errorf("generate LAN bearer token: %w", err)
		}
		cfg.WSBearer = bearer
		if err := persistLANBearer(dataDir, bearer); err != nil {
			return nil, fmt.Errorf("persist generated LAN bearer token: %w", err)
		}
	}

	signingKeyHex := getEnv("AGENTPAGER_RELAY_SIGNING_KEY", fileString(fc.relaySigningKey(), ""))
	if signingKeyHex == "" {
		_, priv, err := ed25519.GenerateKey(nil)
		if err != nil {
			return nil, fmt.Errorf("generate relay signing key: %w", err)
		}
		cfg.RelaySigningKey = priv
		if err := persistRelaySigningKey(dataDir, hex.EncodeToString(priv)); err != nil {
			return nil, fmt.Errorf("persist generated relay signing key: %w", err)
		}
	} else {
		priv, err := hex.DecodeString(signingKeyHex)
		if err != nil || len(priv) != ed25519.PrivateKeySize {
			return nil, fmt.Errorf("invalid relay signing key encoding")
		}
		cfg.RelaySigningKey = ed25519.PrivateKey(priv)
	}

	if peerHex := getEnv("AGENTPAGER_RELAY_PEER_PUBKEY", fileString(fc.relayPeerPublicKey(), "")); peerHex != "" {
		pub, err := hex.DecodeString(peerHex)
		if err != nil || len(pub) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("invalid relay peer public key encoding")
		}
		cfg.RelayPeerPublicKey = ed25519.PublicKey(pub)
	}

	return cfg, nil
}

func loadFileConfig(dataDir string) (*fileConfig, error) {
	path := filepath.Join(dataDir, "config.toml")
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &fileConfig{}, nil
	}
	if err != nil {
		return nil, err
	}

	var fc fileConfig
	if err := toml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &fc, nil
}

// persistHookSecret writes config.toml back to disk with the generated
// hook secret filled in, preserving every other value already present.
func persistHookSecret(dataDir string, fc *fileConfig, secret string) error {
	if fc.Gateway == nil {
		fc.Gateway = &struct {
			HookPort        *int    `toml:"hook_port"`
			BindHost        *string `toml:"bind_host"`
			WSPort          *int    `toml:"ws_port"`
			LogLevel        *string `toml:"log_level"`
			AutoApproveSafe *bool   `toml:"auto_approve_safe"`
		}{}
	}

	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return err
	}

	// config.toml has no hook_secret field by design (secrets live in a
	// dedicated [gateway] key below); persist it via a minimal merge write.
	path := filepath.Join(dataDir, "config.toml")
	existing, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}

	var raw map[string]any
	if len(existing) > 0 {
		if err := toml.Unmarshal(existing, &raw); err != nil {
			return fmt.Errorf("re-parse %s before secret write-back: %w", path, err)
		}
	}
	if raw == nil {
		raw = map[string]any{}
	}
	gw, _ := raw["gateway"].(map[string]any)
	if gw == nil {
		gw = map[string]any{}
	}
	gw["hook_secret"] = secret
	raw["gateway"] = gw

	out, err := toml.Marshal(raw)
	if err != nil {
		return err
	}
	return os.WriteFile(path, out, 0o600)
}

func (fc *fileConfig) gatewayHookPort() *int {
	if fc.Gateway == nil {
		return nil
	}
	return fc.Gateway.HookPort
}

func (fc *fileConfig) gatewayBindHost() *string {
	if fc.Gateway == nil {
		return nil
	}
	return fc.Gateway.BindHost
}

func (fc *fileConfig) gatewayWSPort() *int {
	if fc.Gateway == nil {
		return nil
	}
	return fc.Gateway.WSPort
}

func (fc *fileConfig) gatewayLogLevel() *string {
	if fc.Gateway == nil {
		return nil
	}
	return fc.Gateway.LogLevel
}

func (fc *fileConfig) gatewayAutoApproveSafe() *bool {
	if fc.Gateway == nil {
		return nil
	}
	return fc.Gateway.AutoApproveSafe
}

// gatewayHookSecretPlaceholder always returns "": hook_secret is written
// back out-of-band via persistHookSecret rather than modeled as a typed
// fileConfig field, since it's generated rather than hand-authored.
func (fc *fileConfig) gatewayHookSecretPlaceholder() string {
	return ""
}

func (fc *fileConfig) lanBearer() *string {
	if fc.LAN == nil {
		return nil
	}
	return fc.LAN.Bearer
}

// persistLANBearer writes the generated LAN WebSocket bearer token into
// config.toml's [lan] table, preserving every other value already present.
// Mirrors persistHookSecret's merge-write-via-raw-map approach.
func persistLANBearer(dataDir, bearer string) error {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return err
	}

	path := filepath.Join(dataDir, "config.toml")
	existing, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}

	var raw map[string]any
	if len(existing) > 0 {
		if err := toml.Unmarshal(existing, &raw); err != nil {
			return fmt.Errorf("re-parse %s before LAN bearer write-back: %w", path, err)
		}
	}
	if raw == nil {
		raw = map[string]any{}
	}
	lan, _ := raw["lan"].(map[string]any)
	if lan == nil {
		lan = map[string]any{}
	}
	lan["bearer"] = bearer
	raw["lan"] = lan

	out, err := toml.Marshal(raw)
	if err != nil {
		return err
	}
	return os.WriteFile(path, out, 0o600)
}

func (fc *fileConfig) relayURL() *string {
	if fc.Relay == nil {
		return nil
	}
	return fc.Relay.URL
}

func (fc *fileConfig) relayRoom() *string {
	if fc.Relay == nil {
		return nil
	}
	return fc.Relay.Room
}

func (fc *fileConfig) relayBearer() *string {
	if fc.Relay == nil {
		return nil
	}
	return fc.Relay.Bearer
}

func (fc *fileConfig) relayE2E() *bool {
	if fc.Relay == nil {
		return nil
	}
	return fc.Relay.E2E
}

func (fc *fileConfig) relaySigningKey() *string {
	if fc.Relay == nil {
		return nil
	}
	return fc.Relay.SigningKey
}

func (fc *fileConfig) relayPeerPublicKey() *string {
	if fc.Relay == nil {
		return nil
	}
	return fc.Relay.PeerPublicKey
}

// persistRelaySigningKey writes the generated signing key into config.toml's
// [relay] table, preserving every other value already present. Mirrors
// persistHookSecret's merge-write-via-raw-map approach.
func persistRelaySigningKey(dataDir, keyHex string) error {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return err
	}

	path := filepath.Join(dataDir, "config.toml")
	existing, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}

	var raw map[string]any
	if len(existing) > 0 {
		if err := toml.Unmarshal(existing, &raw); err != nil {
			return fmt.Errorf("re-parse %s before signing key write-back: %w", path, err)
		}
	}
	if raw == nil {
		raw = map[string]any{}
	}
	relay, _ := raw["relay"].(map[string]any)
	if relay == nil {
		relay = map[string]any{}
	}
	relay["signing_key"] = keyHex
	raw["relay"] = relay

	out, err := toml.Marshal(raw)
	if err != nil {
		return err
	}
	return os.WriteFile(path, out, 0o600)
}

func (fc *fileConfig) limitsMaxSessions() *int {
	if fc.Limits == nil {
		return nil
	}
	return fc.Limits.MaxConcurrentSessions
}

func (fc *fileConfig) limitsMaxLANClients() *int {
	if fc.Limits == nil {
		return nil
	}
	return fc.Limits.MaxLANClients
}

func fileInt(v *int, fallback int) int {
	if v == nil {
		return fallback
	}
	return *v
}

func fileString(v *string, fallback string) string {
	if v == nil {
		return fallback
	}
	return *v
}

func fileBool(v *bool, fallback bool) bool {
	if v == nil {
		return fallback
	}
	return *v
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
