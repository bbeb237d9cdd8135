//go:build integration
// +build integration

package postgres

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/execution-hub/ledger-node/internal/domain/item"
	"github.com/execution-hub/ledger-node/internal/domain/ledger"
)

func newTestLedger(t *testing.T) (*LedgerRepository, *pgxpool.Pool) {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set; skipping integration tests")
	}
	ctx := context.Background()
	pool, err := NewPool(ctx, dsn, 8)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	wd, err := os.Getwd()
	require.NoError(t, err)
	root := filepath.Clean(filepath.Join(wd, "..", "..", ".."))
	require.NoError(t, RunMigrations(ctx, pool, filepath.Join(root, "internal", "migrations")))
	_, err = pool.Exec(ctx, `TRUNCATE TABLE ledger_records RESTART IDENTITY`)
	require.NoError(t, err)

	l, err := NewLedgerRepository(pool, "test-node", 16, zerolog.Nop())
	require.NoError(t, err)
	return l, pool
}

func TestLedgerRepository_FindOrCreateIsExclusive(t *testing.T) {
	l, _ := newTestLedger(t)
	id := item.HashOf([]byte("contended"))

	var wg sync.WaitGroup
	ids := make([]int64, 16)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := l.FindOrCreate(context.Background(), id)
			if err == nil {
				ids[i] = r.RecordID()
			}
		}(i)
	}
	wg.Wait()
	for _, got := range ids {
		assert.Equal(t, ids[0], got)
	}
}

func TestLedgerRepository_LockLifecycle(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)

	target, err := l.FindOrCreate(ctx, item.HashOf([]byte("target")))
	require.NoError(t, err)
	require.NoError(t, target.Approve(ctx))
	owner, err := l.FindOrCreate(ctx, item.HashOf([]byte("owner")))
	require.NoError(t, err)

	locked, err := owner.LockToRevoke(ctx, target.ID())
	require.NoError(t, err)
	require.NotNil(t, locked)

	out, err := owner.CreateOutputLockRecord(ctx, item.HashOf([]byte("new")))
	require.NoError(t, err)
	require.NotNil(t, out)

	got, err := l.GetLockOwnerOf(ctx, locked)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, owner.RecordID(), got.RecordID())

	require.NoError(t, locked.Revoke(ctx))
	require.NoError(t, out.Unlock(ctx))

	stored, err := l.GetRecord(ctx, target.ID())
	require.NoError(t, err)
	assert.Equal(t, item.StateRevoked, stored.State())
	gone, err := l.GetRecord(ctx, out.ID())
	require.NoError(t, err)
	assert.Nil(t, gone)
}

func TestLedgerRepository_RollbackLeavesCacheClean(t *testing.T) {
	ctx := context.Background()
	l, pool := newTestLedger(t)

	r, err := l.FindOrCreate(ctx, item.HashOf([]byte("r")))
	require.NoError(t, err)

	boom := errors.New("boom")
	err = l.Transaction(ctx, func(ctx context.Context) error {
		r.SetState(item.StateApproved)
		if err := r.Save(ctx); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	got, err := l.GetRecord(ctx, r.ID())
	require.NoError(t, err)
	assert.Equal(t, item.StatePending, got.State())

	var state string
	require.NoError(t, pool.QueryRow(ctx, `SELECT state FROM ledger_records WHERE id=$1`, r.RecordID()).Scan(&state))
	assert.Equal(t, string(item.StatePending), state)

	assert.NoError(t, l.Transaction(ctx, func(ctx context.Context) error {
		return ledger.ErrRollback
	}))
}

func TestLedgerRepository_ExpiredRecordsAreDestroyed(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)

	r, err := l.FindOrCreate(ctx, item.HashOf([]byte("old")))
	require.NoError(t, err)
	r.SetExpiresAt(time.Now().Add(-time.Minute))
	require.NoError(t, r.Save(ctx))

	got, err := l.GetRecord(ctx, r.ID())
	require.NoError(t, err)
	assert.Nil(t, got)

	n, err := l.CountRecords(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}
