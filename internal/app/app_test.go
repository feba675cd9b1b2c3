package app

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zmooth/zmooth-api/internal/config"
	"github.com/zmooth/zmooth-api/internal/domain/ledger"
	"github.com/zmooth/zmooth-api/internal/domain/nas/nastest"
	"github.com/zmooth/zmooth-api/internal/domain/payment"
)

func memoryConfig(t *testing.T) *config.Config {
	t.Helper()
	catalogFile := filepath.Join(t.TempDir(), "plans.yaml")
	require.NoError(t, os.WriteFile(catalogFile, []byte(`
plans:
  - slug: hour-1
    name: 1 Hour
    price: "20"
    validity_hours: 1
`), 0o600))

	return &config.Config{
		Env:          "test",
		LedgerDriver: "memory",
		JWTSecret:    "test",
		CatalogFile:  catalogFile,
		MachineID:    1,
	}
}

func TestNewWiresMemoryEngine(t *testing.T) {
	a, err := New(context.Background(), memoryConfig(t))
	require.NoError(t, err)
	defer a.Close()

	assert.IsType(t, &ledger.MemoryStore{}, a.Store)
	assert.IsType(t, &nastest.Adapter{}, a.Adapter)
	assert.Nil(t, a.Redis)

	plans, err := a.Store.ListPlans(context.Background(), true)
	require.NoError(t, err)
	assert.Len(t, plans, 1, "catalog file is synced on start")

	_, err = a.Archiver(context.Background())
	assert.True(t, errors.Is(err, ErrArchiveDisabled))

	assert.NotNil(t, a.Dispatcher())
	assert.NotNil(t, a.SweepWorker())
	assert.NotNil(t, a.Poller())
}

func TestPushPaymentsDisabledWithoutCredentials(t *testing.T) {
	a, err := New(context.Background(), memoryConfig(t))
	require.NoError(t, err)
	defer a.Close()

	gw := newGateway(a.Config)
	assert.IsType(t, payment.NoGateway{}, gw)
	_, err = gw.Initiate(context.Background(), payment.InitiateRequest{})
	assert.True(t, ledger.IsAdapterUnavailable(err))
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := memoryConfig(t)
	cfg.LedgerDriver = "sqlite"
	_, err := New(context.Background(), cfg)
	assert.Error(t, err)
}

func TestArchiverUsesLocalDir(t *testing.T) {
	cfg := memoryConfig(t)
	cfg.ArchiveDir = t.TempDir()
	a, err := New(context.Background(), cfg)
	require.NoError(t, err)
	defer a.Close()

	exporter, err := a.Archiver(context.Background())
	require.NoError(t, err)
	n, err := exporter.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}
