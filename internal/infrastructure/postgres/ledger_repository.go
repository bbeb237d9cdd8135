package postgres

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/execution-hub/ledger-node/internal/domain/item"
	"github.com/execution-hub/ledger-node/internal/domain/ledger"
)

const defaultCacheSize = 4096

// LedgerRepository implements ledger.Ledger on top of the ledger_records table.
//
// Writes are serialized in process by mu and across processes by a
// transaction-scoped advisory lock. Committed snapshots are kept in an LRU
// cache; a transaction's own writes stay in its pending set until commit.
type LedgerRepository struct {
	pool    *pgxpool.Pool
	cache   *lru.Cache
	lockKey int64
	logger  zerolog.Logger

	mu sync.Mutex
}

type txKey struct{ l *LedgerRepository }

type txState struct {
	tx pgx.Tx
	// nil marks a deleted record
	pending map[item.HashID]*ledger.Snapshot
}

// NewLedgerRepository builds a ledger for one node. The node id scopes the
// advisory lock so several nodes may share a database, each in its own schema.
func NewLedgerRepository(pool *pgxpool.Pool, nodeID string, cacheSize int, logger zerolog.Logger) (*LedgerRepository, error) {
	if cacheSize <= 0 {
		cacheSize = defaultCacheSize
	}
	cache, err := lru.New(cacheSize)
	if err != nil {
		return nil, fmt.Errorf("ledger cache: %w", err)
	}
	h := item.HashOf([]byte("ledger:" + nodeID))
	return &LedgerRepository{
		pool:    pool,
		cache:   cache,
		lockKey: int64(binary.BigEndian.Uint64(h[:8])),
		logger:  logger.With().Str("service", "ledger").Str("driver", "postgres").Logger(),
	}, nil
}

// Transaction runs fn inside a database transaction holding the ledger lock.
func (r *LedgerRepository) Transaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{r}).(*txState); ok {
		return fn(ctx)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return ledger.Fail("begin", err)
	}
	defer func() {
		_ = tx.Rollback(context.Background())
	}()
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, r.lockKey); err != nil {
		return ledger.Fail("lock", err)
	}

	st := &txState{tx: tx, pending: make(map[item.HashID]*ledger.Snapshot)}
	if err := fn(context.WithValue(ctx, txKey{r}, st)); err != nil {
		if errors.Is(err, ledger.ErrRollback) {
			return nil
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return ledger.Fail("commit", err)
	}
	for id, s := range st.pending {
		if s == nil {
			r.cache.Remove(id)
		} else {
			r.cache.Add(id, *s)
		}
	}
	return nil
}

// run executes fn in the caller's transaction or in a new one.
func (r *LedgerRepository) run(ctx context.Context, op string, fn func(ctx context.Context, st *txState) error) error {
	if st, ok := ctx.Value(txKey{r}).(*txState); ok {
		return ledger.Fail(op, fn(ctx, st))
	}
	return ledger.Fail(op, r.Transaction(ctx, func(ctx context.Context) error {
		return fn(ctx, ctx.Value(txKey{r}).(*txState))
	}))
}

func (r *LedgerRepository) GetRecord(ctx context.Context, id item.HashID) (*ledger.Record, error) {
	var out *ledger.Record
	err := r.run(ctx, "get", func(ctx context.Context, st *txState) error {
		s, ok, err := r.live(ctx, st, id)
		if err != nil || !ok {
			return err
		}
		out = ledger.RestoreRecord(r, s)
		return nil
	})
	return out, err
}

func (r *LedgerRepository) FindOrCreate(ctx context.Context, id item.HashID) (*ledger.Record, error) {
	var out *ledger.Record
	err := r.run(ctx, "findOrCreate", func(ctx context.Context, st *txState) error {
		s, ok, err := r.live(ctx, st, id)
		if err != nil {
			return err
		}
		if ok {
			out = ledger.RestoreRecord(r, s)
			return nil
		}
		rec := ledger.NewRecord(r, id, item.StatePending)
		if err := r.insert(ctx, st, rec); err != nil {
			return err
		}
		out = rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *LedgerRepository) CreateOutputLockRecord(ctx context.Context, ownerRecordID int64, newID item.HashID) (*ledger.Record, error) {
	var out *ledger.Record
	err := r.run(ctx, "createOutputLock", func(ctx context.Context, st *txState) error {
		_, ok, err := r.live(ctx, st, newID)
		if err != nil || ok {
			return err
		}
		rec := ledger.NewRecord(r, newID, item.StateLockedForCreation)
		rec.SetLockedByRecordID(ownerRecordID)
		if err := r.insert(ctx, st, rec); err != nil {
			return err
		}
		out = rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *LedgerRepository) GetLockOwnerOf(ctx context.Context, rec *ledger.Record) (*ledger.Record, error) {
	ownerID := rec.LockedByRecordID()
	if ownerID == 0 {
		return nil, nil
	}
	var out *ledger.Record
	err := r.run(ctx, "getLockOwner", func(ctx context.Context, st *txState) error {
		var raw []byte
		err := st.tx.QueryRow(ctx, `SELECT hash FROM ledger_records WHERE id=$1`, ownerID).Scan(&raw)
		if err == pgx.ErrNoRows {
			return nil
		}
		if err != nil {
			return err
		}
		hash, err := item.HashIDFromBytes(raw)
		if err != nil {
			return err
		}
		s, ok, err := r.live(ctx, st, hash)
		if err != nil || !ok {
			return err
		}
		out = ledger.RestoreRecord(r, s)
		return nil
	})
	return out, err
}

func (r *LedgerRepository) Save(ctx context.Context, rec *ledger.Record) error {
	if rec.Ledger() != r {
		return fmt.Errorf("%w: record belongs to another ledger", ledger.ErrIllegalState)
	}
	return r.run(ctx, "save", func(ctx context.Context, st *txState) error {
		s := rec.Snapshot()
		if s.RecordID == 0 {
			return r.insert(ctx, st, rec)
		}
		tag, err := st.tx.Exec(ctx, `
			UPDATE ledger_records SET state=$2, expires_at=$3, locked_by_id=$4
			WHERE id=$1
		`, s.RecordID, string(s.State), s.ExpiresAt, s.LockedByRecordID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: id %d", ledger.ErrNotFound, s.RecordID)
		}
		st.pending[s.ID] = &s
		rec.MarkClean()
		return nil
	})
}

func (r *LedgerRepository) Destroy(ctx context.Context, rec *ledger.Record) error {
	s := rec.Snapshot()
	if s.RecordID == 0 {
		return fmt.Errorf("%w: can't destroy record without record id", ledger.ErrIllegalState)
	}
	return r.run(ctx, "destroy", func(ctx context.Context, st *txState) error {
		return r.remove(ctx, st, s)
	})
}

func (r *LedgerRepository) CountRecords(ctx context.Context) (int64, error) {
	var n int64
	q := `SELECT count(*) FROM ledger_records`
	if st, ok := ctx.Value(txKey{r}).(*txState); ok {
		err := st.tx.QueryRow(ctx, q).Scan(&n)
		return n, ledger.Fail("count", err)
	}
	err := r.pool.QueryRow(ctx, q).Scan(&n)
	return n, ledger.Fail("count", err)
}

// Close drops cached state. The pool is owned by the caller.
func (r *LedgerRepository) Close() error {
	r.cache.Purge()
	return nil
}

// live loads id and destroys it when expired.
func (r *LedgerRepository) live(ctx context.Context, st *txState, id item.HashID) (ledger.Snapshot, bool, error) {
	s, ok, err := r.load(ctx, st, id)
	if err != nil || !ok {
		return s, false, err
	}
	if s.ExpiresAt.Before(time.Now()) {
		return s, false, r.remove(ctx, st, s)
	}
	return s, true, nil
}

func (r *LedgerRepository) load(ctx context.Context, st *txState, id item.HashID) (ledger.Snapshot, bool, error) {
	if p, ok := st.pending[id]; ok {
		if p == nil {
			return ledger.Snapshot{}, false, nil
		}
		return *p, true, nil
	}
	if v, ok := r.cache.Get(id); ok {
		return v.(ledger.Snapshot), true, nil
	}
	var (
		s     = ledger.Snapshot{ID: id}
		state string
	)
	err := st.tx.QueryRow(ctx, `
		SELECT id, state, created_at, expires_at, locked_by_id
		FROM ledger_records WHERE hash=$1
	`, id.Bytes()).Scan(&s.RecordID, &state, &s.CreatedAt, &s.ExpiresAt, &s.LockedByRecordID)
	if err == pgx.ErrNoRows {
		return s, false, nil
	}
	if err != nil {
		return s, false, err
	}
	if s.State, err = item.ParseState(state); err != nil {
		return s, false, err
	}
	s.CreatedAt = s.CreatedAt.UTC()
	s.ExpiresAt = s.ExpiresAt.UTC()
	r.cache.Add(id, s)
	return s, true, nil
}

func (r *LedgerRepository) insert(ctx context.Context, st *txState, rec *ledger.Record) error {
	s := rec.Snapshot()
	var id int64
	err := st.tx.QueryRow(ctx, `
		INSERT INTO ledger_records (hash, state, created_at, expires_at, locked_by_id)
		VALUES ($1,$2,$3,$4,$5)
		RETURNING id
	`, s.ID.Bytes(), string(s.State), s.CreatedAt, s.ExpiresAt, s.LockedByRecordID).Scan(&id)
	if err != nil {
		return err
	}
	if err := rec.SetRecordID(id); err != nil {
		return err
	}
	s.RecordID = id
	st.pending[s.ID] = &s
	rec.MarkClean()
	return nil
}

func (r *LedgerRepository) remove(ctx context.Context, st *txState, s ledger.Snapshot) error {
	if _, err := st.tx.Exec(ctx, `DELETE FROM ledger_records WHERE id=$1`, s.RecordID); err != nil {
		return err
	}
	st.pending[s.ID] = nil
	return nil
}
