package journal_test

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	"codeberg.org/mutker/bmcfanctl/internal/errors"
	"codeberg.org/mutker/bmcfanctl/internal/journal"
	"codeberg.org/mutker/bmcfanctl/internal/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func enabledConfig(t *testing.T) journal.Config {
	t.Helper()
	cfg := journal.DefaultConfig()
	cfg.Enabled = true
	cfg.DBPath = filepath.Join(t.TempDir(), "journal.db")
	cfg.FlushInterval = time.Hour
	return cfg
}

func countEvents(t *testing.T, path string) int {
	t.Helper()
	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	defer db.Close()

	var n int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM events").Scan(&n))
	return n
}

func TestDisabledJournalIsNoop(t *testing.T) {
	cfg := journal.DefaultConfig()
	cfg.DBPath = filepath.Join(t.TempDir(), "journal.db")

	rec, err := journal.NewService(cfg, logger.Nop())
	require.NoError(t, err)
	require.NoError(t, rec.Record(context.Background(), &journal.Event{Kind: journal.KindTakeControl}))
	require.NoError(t, rec.Close())

	_, err = os.Stat(cfg.DBPath)
	assert.True(t, os.IsNotExist(err))
}

func TestInvalidConfig(t *testing.T) {
	cfg := journal.DefaultConfig()
	cfg.Enabled = true
	cfg.DBPath = ""

	_, err := journal.NewService(cfg, logger.Nop())
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, journal.ErrInvalidDBPath))
}

func TestRecordFlushesOnClose(t *testing.T) {
	cfg := enabledConfig(t)

	rec, err := journal.NewService(cfg, logger.Nop())
	require.NoError(t, err)

	ctx := context.Background()
	for _, kind := range []journal.Kind{journal.KindTakeControl, journal.KindIdleReached, journal.KindReleaseControl} {
		require.NoError(t, rec.Record(ctx, &journal.Event{
			Timestamp:   time.Unix(1700000000, 0),
			Kind:        kind,
			State:       "ManualActive",
			GPUIndex:    1,
			GPUName:     "NVIDIA A100",
			Temperature: 70,
			Utilization: 12,
			FanSpeed:    88,
			Success:     true,
		}))
	}
	require.NoError(t, rec.Close())

	assert.Equal(t, 3, countEvents(t, cfg.DBPath))
}

func TestRecordFlushesAtBatchSize(t *testing.T) {
	cfg := enabledConfig(t)
	cfg.BatchSize = 2

	repo, err := journal.NewRepository(cfg, logger.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	assert.NotEmpty(t, repo.Session())

	require.NoError(t, repo.Record(&journal.Event{Timestamp: time.Now(), Kind: journal.KindTakeControl, State: "Automatic"}))
	require.NoError(t, repo.Record(&journal.Event{Timestamp: time.Now(), Kind: journal.KindIdleReached, State: "ManualActive"}))

	assert.Equal(t, 2, countEvents(t, cfg.DBPath))
}

func TestRecordRejectsInvalidEvent(t *testing.T) {
	rec, err := journal.NewService(enabledConfig(t), logger.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { rec.Close() })

	err = rec.Record(context.Background(), &journal.Event{})
	assert.True(t, errors.HasCode(err, journal.ErrInvalidEvent))

	err = rec.Record(context.Background(), nil)
	assert.True(t, errors.HasCode(err, journal.ErrInvalidEvent))
}

func TestRecordAfterCancel(t *testing.T) {
	rec, err := journal.NewService(enabledConfig(t), logger.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { rec.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err = rec.Record(ctx, &journal.Event{Kind: journal.KindRearm})
	assert.True(t, errors.HasCode(err, journal.ErrOperationTimeout))
}

func TestRecordAfterClose(t *testing.T) {
	repo, err := journal.NewRepository(enabledConfig(t), logger.Nop())
	require.NoError(t, err)
	require.NoError(t, repo.Close())
	require.NoError(t, repo.Close())

	err = repo.Record(&journal.Event{Kind: journal.KindRearm})
	assert.True(t, errors.HasCode(err, journal.ErrClosed))
}

func TestSchemaMismatchBacksUpAndRecreates(t *testing.T) {
	cfg := enabledConfig(t)

	repo, err := journal.NewRepository(cfg, logger.Nop())
	require.NoError(t, err)
	require.NoError(t, repo.Record(&journal.Event{Timestamp: time.Now(), Kind: journal.KindTakeControl, State: "Automatic"}))
	require.NoError(t, repo.Close())
	require.Equal(t, 1, countEvents(t, cfg.DBPath))

	db, err := sql.Open("sqlite3", cfg.DBPath)
	require.NoError(t, err)
	_, err = db.Exec("INSERT INTO schema_versions (version, applied_at) VALUES (?, datetime('now'))", journal.SchemaVersion+1)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	repo, err = journal.NewRepository(cfg, logger.Nop())
	require.NoError(t, err)
	require.NoError(t, repo.Close())

	assert.Equal(t, 0, countEvents(t, cfg.DBPath))

	backups, err := os.ReadDir(filepath.Join(filepath.Dir(cfg.DBPath), "backups"))
	require.NoError(t, err)
	assert.Len(t, backups, 1)
}
