package bootstrap

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/warp/settlement-engine/config"
	"github.com/warp/settlement-engine/settlement"
)

func memoryConfig() *config.Config {
	return &config.Config{
		Store:   config.StoreConfig{Driver: "memory"},
		Gateway: config.GatewayConfig{Driver: "sandbox", QRCacheTTL: time.Minute},
		Policy:  config.PolicyConfig{HoldingPeriodDays: -1, MaxAppeals: -1, AppealWindowDays: -1},
	}
}

func TestNewContainer_Memory(t *testing.T) {
	// GIVEN: A memory store with the sandbox rail and no external services
	c, err := NewContainer(memoryConfig(), zap.NewNop())
	require.NoError(t, err)

	// THEN: The engine is wired and usable
	require.NotNil(t, c.Engine)
	assert.Equal(t, settlement.DefaultPolicy(), c.Policy)
	pending, err := c.Engine.ListPending(context.Background(), settlement.SystemActor, "")
	require.NoError(t, err)
	assert.Empty(t, pending)

	assert.NoError(t, c.Close())
}

func TestNewContainer_SQLiteCreatesDirectory(t *testing.T) {
	cfg := memoryConfig()
	cfg.Store = config.StoreConfig{Driver: "sqlite", SQLitePath: filepath.Join(t.TempDir(), "nested", "ledger.db")}

	c, err := NewContainer(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	_, err = os.Stat(filepath.Dir(cfg.Store.SQLitePath))
	assert.NoError(t, err)
}

func TestNewContainer_RejectsUnknownDrivers(t *testing.T) {
	cfg := memoryConfig()
	cfg.Store.Driver = "mongo"
	_, err := NewContainer(cfg, nil)
	assert.ErrorContains(t, err, "STORE_DRIVER")

	cfg = memoryConfig()
	cfg.Gateway.Driver = "paypal"
	_, err = NewContainer(cfg, nil)
	assert.ErrorContains(t, err, "GATEWAY")

	cfg = memoryConfig()
	cfg.Store = config.StoreConfig{Driver: "postgres"}
	_, err = NewContainer(cfg, nil)
	assert.ErrorContains(t, err, "DB_CONNECTION_STRING")
}

func TestResolvePolicy_FileThenEnv(t *testing.T) {
	// GIVEN: A policy file and an environment override for max appeals
	path := filepath.Join(t.TempDir(), "policy.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"holding_period_days": 7, "max_appeals": 5}`), 0o644))

	p, err := resolvePolicy(config.PolicyConfig{File: path, HoldingPeriodDays: -1, MaxAppeals: 2, AppealWindowDays: -1})

	// THEN: The file wins over defaults and the environment wins over the file
	require.NoError(t, err)
	assert.Equal(t, 7*24*time.Hour, p.HoldingPeriod)
	assert.Equal(t, 2, p.MaxAppeals)
}

func TestResolvePolicy_MissingFile(t *testing.T) {
	_, err := resolvePolicy(config.PolicyConfig{File: "/nonexistent/policy.json"})
	assert.ErrorContains(t, err, "load policy file")
}
