package config

import (
	"testing"
	"time"
)

func validConfig() *Config {
	return &Config{
		RPCURL:        "https://rpc.gnosischain.com",
		ProviderURL:   "https://provider.example.com/api",
		PollInterval:  5 * time.Second,
		RewardRateBps: 100,
	}
}

func TestValidate_OK(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}
}

func TestValidate_RequiresRPCURL(t *testing.T) {
	cfg := validConfig()
	cfg.RPCURL = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for missing RPC_URL")
	}
}

func TestValidate_RequiresProviderURL(t *testing.T) {
	cfg := validConfig()
	cfg.ProviderURL = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for missing PROVIDER_URL")
	}
}

func TestValidate_PrivateKeyLength(t *testing.T) {
	cfg := validConfig()

	cfg.PrivateKey = "abc123"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for short private key")
	}

	cfg.PrivateKey = "0000000000000000000000000000000000000000000000000000000000000001"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected 64 hex chars to validate, got %v", err)
	}

	cfg.PrivateKey = "0x0000000000000000000000000000000000000000000000000000000000000001"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected 0x-prefixed key to validate, got %v", err)
	}
}

func TestValidate_RewardRateBounds(t *testing.T) {
	cfg := validConfig()
	cfg.RewardRateBps = 10001
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for reward rate above 100%")
	}
	cfg.RewardRateBps = -1
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for negative reward rate")
	}
	cfg.RewardRateBps = 0
	if err := cfg.Validate(); err != nil {
		t.Fatalf("zero rate disables rewards and should validate, got %v", err)
	}
}

func TestValidate_PollInterval(t *testing.T) {
	cfg := validConfig()
	cfg.PollInterval = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for zero poll interval")
	}
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("RPC_URL", "https://rpc.example.com")
	t.Setenv("PROVIDER_URL", "https://provider.example.com")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("CHAIN_ID", "")
	t.Setenv("POLL_INTERVAL", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.ChainID != DefaultChainID {
		t.Errorf("expected default chain id %d, got %d", DefaultChainID, cfg.ChainID)
	}
	if cfg.PollInterval != DefaultPollInterval {
		t.Errorf("expected default poll interval %v, got %v", DefaultPollInterval, cfg.PollInterval)
	}
	if cfg.PaymentExpiry != DefaultPaymentExpiry {
		t.Errorf("expected default payment expiry %v, got %v", DefaultPaymentExpiry, cfg.PaymentExpiry)
	}
	if cfg.BookingMaxAttempts != DefaultBookingMaxAttempts {
		t.Errorf("expected default booking attempts %d, got %d", DefaultBookingMaxAttempts, cfg.BookingMaxAttempts)
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("RPC_URL", "https://rpc.example.com")
	t.Setenv("PROVIDER_URL", "https://provider.example.com")
	t.Setenv("CHAIN_ID", "77")
	t.Setenv("POLL_INTERVAL", "30s")
	t.Setenv("REWARD_RATE_BPS", "250")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.ChainID != 77 {
		t.Errorf("expected chain id 77, got %d", cfg.ChainID)
	}
	if cfg.PollInterval != 30*time.Second {
		t.Errorf("expected 30s poll interval, got %v", cfg.PollInterval)
	}
	if cfg.RewardRateBps != 250 {
		t.Errorf("expected 250 bps, got %d", cfg.RewardRateBps)
	}
}
