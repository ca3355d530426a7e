// Package config provides configuration management for the StarkBot backend.
//
// Config controls the wallet backend (STARKBOT_MODE), the configured EVM
// network registry, persisted-state paths (sqlite database, payment limits
// document, keystore endpoint), and per-operation timeouts.
//
// # Basic configuration
//
//	cfg := &config.Config{
//		WalletMode: config.ModeStandard,
//		PrivateKey: "...",
//		Networks:   []config.Network{config.BaseMain},
//	}
//	if err := cfg.Validate(); err != nil {
//		zap.L().Fatal("invalid config", zap.Error(err))
//	}
//	cfg.Timeouts = cfg.Timeouts.WithDefaults()
package config
