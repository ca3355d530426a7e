// Package config defines the runtime configuration for the StarkBot backend:
// the EVM network registry, wallet backend selection, persisted-state paths,
// and per-operation timeouts. It also provides validation and defaulting
// helpers in the same style as the upstream SDK's Config/Timeouts pair.
package config

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"gopkg.in/yaml.v3"
)

// WalletMode selects the signing backend at process start (spec §6,
// STARKBOT_MODE). Callers never branch on mode beyond this single switch.
type WalletMode string

const (
	// ModeStandard uses the Local wallet provider (in-process ECDSA key).
	ModeStandard WalletMode = "standard"
	// ModeFlash uses the Remote wallet provider (custodial signing service).
	ModeFlash WalletMode = "flash"
)

// Network describes one configured EVM chain.
type Network struct {
	ChainID int64  `json:"chain_id" yaml:"chain_id"`
	Name    string `json:"network_name" yaml:"network_name"`
	RPCAddr string `json:"rpc_addr" yaml:"rpc_addr"`
}

// Well-known predefined networks, analogous to the upstream SDK's Sepolia/Main.
var (
	EthereumSepolia = Network{ChainID: 11155111, Name: "ethereum-sepolia"}
	EthereumMain    = Network{ChainID: 1, Name: "ethereum"}
	BaseMain        = Network{ChainID: 8453, Name: "base"}
	BaseSepolia     = Network{ChainID: 84532, Name: "base-sepolia"}
)

// Config holds all settings required to initialize the wallet, blockchain,
// payment, memory, and scheduler subsystems. Call Validate to fill implicit
// defaults and check required fields.
type Config struct {
	// WalletMode selects Local vs Remote signing (STARKBOT_MODE).
	WalletMode WalletMode `json:"wallet_mode" yaml:"wallet_mode"`
	// Networks is the chain-id-keyed network registry; at least one entry
	// is required after Validate.
	Networks []Network `json:"networks" yaml:"networks"`
	// PrivateKey is the hex-encoded ECDSA private key used by the Local
	// wallet provider (required when WalletMode == ModeStandard).
	PrivateKey string `json:"private_key" yaml:"private_key"`
	// RemoteSignerAddr is the custodial signing service endpoint, used by
	// the Remote wallet provider (required when WalletMode == ModeFlash).
	RemoteSignerAddr string `json:"remote_signer_addr" yaml:"remote_signer_addr"`
	// RemoteSignerToken is the bearer credential presented on every signing RPC.
	RemoteSignerToken string `json:"-" yaml:"-"`

	// DatabasePath is the sqlite file backing sessions, memory, and
	// resources; the tx queue and the scheduler keep their state in memory.
	DatabasePath string `json:"database_path" yaml:"database_path"`

	// PaymentLimitsPath points at a JSON document listing per-asset caps,
	// loaded into the process-wide payment-limit snapshot at startup.
	PaymentLimitsPath string `json:"payment_limits_path" yaml:"payment_limits_path"`

	// KeystoreURL is the external content-addressed keystore used by the
	// encrypted backup component (C10).
	KeystoreURL string `json:"keystore_url" yaml:"keystore_url"`

	// Debug enables verbose logging.
	Debug bool `json:"debug" yaml:"debug"`

	// Timeouts configures per-operation timeouts. See Timeouts.WithDefaults.
	Timeouts Timeouts `json:"timeouts" yaml:"timeouts"`

	// privateKeyECDSA is the parsed ECDSA private key (lazy-loaded on first access).
	privateKeyECDSA *ecdsa.PrivateKey
}

// Timeouts controls per-operation deadlines (spec §5). Zero values are
// replaced by sane defaults in WithDefaults.
type Timeouts struct {
	Dial            time.Duration // RPC dial/connect
	ChainRead       time.Duration // eth_call, balance, etc.
	ChainSubmit     time.Duration // send tx
	ReceiptWait     time.Duration // wait tx
	StrategyRefresh time.Duration // refresh a payment/signing strategy
	LLMCall         time.Duration // LLM planner round-trip
	EmbeddingServer time.Duration // embedding provider round-trip
	KeystoreUpload  time.Duration // encrypted-backup upload
	X402Retry       time.Duration // budget for the single x402 retry
}

// Validate normalizes the configuration by applying implicit defaults
// (database path, payment-limits path, default network) and verifies that
// the selected wallet mode has its required fields set.
func (c *Config) Validate() error {
	if c.DatabasePath == "" {
		c.DatabasePath = "starkbot.db"
	}
	if c.PaymentLimitsPath == "" {
		c.PaymentLimitsPath = "payment_limits.json"
	}
	if c.WalletMode == "" {
		c.WalletMode = ModeStandard
	}
	if len(c.Networks) == 0 {
		c.Networks = []Network{BaseMain}
	}

	switch c.WalletMode {
	case ModeStandard:
		if c.PrivateKey == "" {
			return errors.New("private key is required when wallet mode is standard")
		}
	case ModeFlash:
		if c.RemoteSignerAddr == "" {
			return errors.New("remote signer address is required when wallet mode is flash")
		}
	default:
		return fmt.Errorf("unknown wallet mode %q", c.WalletMode)
	}

	for _, n := range c.Networks {
		if n.ChainID == 0 {
			return fmt.Errorf("network %q: chain id is required", n.Name)
		}
	}

	return nil
}

// WithDefaults returns a copy of t with zero values replaced by defaults:
//
//	Dial:            15s
//	ChainRead:       13s
//	ChainSubmit:     25s
//	ReceiptWait:     90s
//	StrategyRefresh: 15s
//	LLMCall:         120s
//	EmbeddingServer: 10s
//	KeystoreUpload:  30s
//	X402Retry:       15s
func (t Timeouts) WithDefaults() Timeouts {
	tt := t
	if tt.Dial == 0 {
		tt.Dial = 15 * time.Second
	}
	if tt.ChainRead == 0 {
		tt.ChainRead = 13 * time.Second
	}
	if tt.ChainSubmit == 0 {
		tt.ChainSubmit = 25 * time.Second
	}
	if tt.ReceiptWait == 0 {
		tt.ReceiptWait = 90 * time.Second
	}
	if tt.StrategyRefresh == 0 {
		tt.StrategyRefresh = 15 * time.Second
	}
	if tt.LLMCall == 0 {
		tt.LLMCall = 120 * time.Second
	}
	if tt.EmbeddingServer == 0 {
		tt.EmbeddingServer = 10 * time.Second
	}
	if tt.KeystoreUpload == 0 {
		tt.KeystoreUpload = 30 * time.Second
	}
	if tt.X402Retry == 0 {
		tt.X402Retry = 15 * time.Second
	}
	return tt
}

// GetPrivateKey returns the parsed ECDSA private key, or nil if PrivateKey is
// empty (e.g. the Remote wallet mode does not use a local key). Parses the
// hex string on first call and caches the result.
func (c *Config) GetPrivateKey() *ecdsa.PrivateKey {
	if c.PrivateKey == "" {
		return nil
	}
	if c.privateKeyECDSA != nil {
		return c.privateKeyECDSA
	}
	key, err := parsePrivateKey(c.PrivateKey)
	if err != nil {
		return nil
	}
	c.privateKeyECDSA = key
	return c.privateKeyECDSA
}

// parsePrivateKey converts a hex-encoded private key string to *ecdsa.PrivateKey.
// It handles both formats: with and without "0x" prefix.
func parsePrivateKey(keyHex string) (*ecdsa.PrivateKey, error) {
	keyHex = strings.TrimPrefix(keyHex, "0x")
	if len(keyHex) != 64 {
		return nil, fmt.Errorf("private key must be 32 bytes (64 hex characters), got %d", len(keyHex))
	}
	privateKey, err := crypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, fmt.Errorf("failed to parse hex private key: %w", err)
	}
	return privateKey, nil
}

// NetworkByChainID returns the configured Network for the given chain id.
func (c *Config) NetworkByChainID(chainID int64) (Network, bool) {
	for _, n := range c.Networks {
		if n.ChainID == chainID {
			return n, true
		}
	}
	return Network{}, false
}

// Load reads a YAML config document from path and layers environment
// variable overrides on top of it, following the STARKBOT_* names in spec §6.
// The returned Config is not yet validated; callers call Validate themselves
// so they can decide how to report a bad configuration.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if v := os.Getenv("STARKBOT_MODE"); v != "" {
		cfg.WalletMode = WalletMode(v)
	}
	if v := os.Getenv("STARKBOT_PRIVATE_KEY"); v != "" {
		cfg.PrivateKey = v
	}
	if v := os.Getenv("STARKBOT_REMOTE_SIGNER_ADDR"); v != "" {
		cfg.RemoteSignerAddr = v
	}
	if v := os.Getenv("STARKBOT_REMOTE_SIGNER_TOKEN"); v != "" {
		cfg.RemoteSignerToken = v
	}
	if v := os.Getenv("STARKBOT_DATABASE_PATH"); v != "" {
		cfg.DatabasePath = v
	}
	if v := os.Getenv("STARKBOT_PAYMENT_LIMITS_PATH"); v != "" {
		cfg.PaymentLimitsPath = v
	}
	if v := os.Getenv("STARKBOT_KEYSTORE_URL"); v != "" {
		cfg.KeystoreURL = v
	}
	if v := os.Getenv("STARKBOT_DEBUG"); v != "" {
		cfg.Debug = v == "1" || strings.EqualFold(v, "true")
	}

	return cfg, nil
}
