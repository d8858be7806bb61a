package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	cfg := Defaults()
	cfg.Escrow.Address = "0xescrow"
	cfg.Escrow.TreasuryAddress = "0xtreasury"
	cfg.Escrow.ReferralAddress = "0xreferral"
	return cfg
}

func TestDefaultsNeedOnlyAddresses(t *testing.T) {
	cfg := Defaults()
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "escrow: address is required")
	assert.Contains(t, err.Error(), "treasury_address")
	assert.Contains(t, err.Error(), "referral_address")

	cfg = validConfig()
	assert.NoError(t, cfg.Validate())
}

func TestValidateCollectsEveryProblem(t *testing.T) {
	cfg := validConfig()
	cfg.Mode = "trade"
	cfg.Ledger.Backend = "evm"
	cfg.Escrow.FeeRate = "1.5"
	cfg.Escrow.MaxVerifyAttempts = 0
	cfg.Archive.Enabled = true

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{
		`unknown mode "trade"`,
		"ledger: rpc_url is required",
		"private_key or encrypted_key_path",
		"fee_rate must be in [0, 1)",
		"max_verify_attempts",
		"archive: requires postgres.enabled",
	} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestLeaseMustOutlastSettleBudget(t *testing.T) {
	cfg := validConfig()
	// Three legs of two retries (2s, then 2s+1s) plus polls of 2s..5s.
	assert.Equal(t, 29*time.Second, cfg.Escrow.SettleBudget())

	cfg.Escrow.LeaseTTL.Duration = 29 * time.Second
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "escrow: lease_ttl 29s must exceed the 29s")

	cfg.Escrow.LeaseTTL.Duration = 30 * time.Second
	assert.NoError(t, cfg.Validate())

	cfg.Escrow.MaxVerifyAttempts = 20
	assert.Error(t, cfg.Validate(), "more polls need a longer lease")
}

func TestSweeperModeSkipsServerChecks(t *testing.T) {
	cfg := validConfig()
	cfg.Mode = "sweeper"
	cfg.Server.Port = 0
	assert.NoError(t, cfg.Validate())
}

func TestLoadAppliesFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
mode = "server"

[escrow]
fee_rate = "0.05"
poll_interval = "250ms"

[matchmaking]
request_timeout = "90s"
`), 0o600))

	t.Setenv("STAKEMATCH_ESCROW_POLL_INTERVAL", "3s")
	t.Setenv("STAKEMATCH_SERVER_CORS_ORIGINS", "https://a.example, ,https://b.example")
	t.Setenv("STAKEMATCH_LEDGER_CHAIN_ID", "8453")
	t.Setenv("STAKEMATCH_SERVER_PORT", "not-a-number")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "server", cfg.Mode)
	assert.Equal(t, "0.05", cfg.Escrow.FeeRate)
	assert.Equal(t, "0.154", cfg.Escrow.ReferralRate, "untouched keys keep defaults")
	assert.Equal(t, 90*time.Second, cfg.Matchmaking.RequestTimeout.Duration)
	assert.Equal(t, 3*time.Second, cfg.Escrow.PollInterval.Duration)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.CORSOrigins)
	assert.Equal(t, int64(8453), cfg.Ledger.ChainID)
	assert.Equal(t, 8000, cfg.Server.Port, "unparseable overrides are ignored")
}

func TestLoadRejectsBadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[escrow]\npoll_interval = \"soon\"\n"), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestEscrowFees(t *testing.T) {
	fee, ref, err := Defaults().Escrow.Fees()
	require.NoError(t, err)
	assert.Equal(t, "0.065", fee.String())
	assert.Equal(t, "0.154", ref.String())

	_, _, err = EscrowConfig{FeeRate: "abc", ReferralRate: "0"}.Fees()
	assert.Error(t, err)
}

func TestRedactedConfig(t *testing.T) {
	cfg := validConfig()
	cfg.Escrow.PrivateKey = "deadbeef"
	cfg.Escrow.ResultSecret = "shh"
	cfg.Server.APIKey = "key"
	cfg.Postgres.Password = "pw"

	out := RedactedConfig(&cfg)
	assert.Equal(t, "***", out.Escrow.PrivateKey)
	assert.Equal(t, "***", out.Escrow.ResultSecret)
	assert.Equal(t, "***", out.Server.APIKey)
	assert.Equal(t, "***", out.Postgres.Password)
	assert.Empty(t, out.Escrow.KeyPassword, "empty secrets stay empty")
	assert.Equal(t, "deadbeef", cfg.Escrow.PrivateKey, "original untouched")

	out.Server.CORSOrigins[0] = "mutated"
	assert.NotEqual(t, "mutated", cfg.Server.CORSOrigins[0])
}
