package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/execution-hub/ledger-node/internal/domain/item"
	"github.com/execution-hub/ledger-node/internal/domain/ledger"
)

// Ledger keeps records in process memory. It backs tests and single-process
// networks; nothing survives a restart.
type Ledger struct {
	mu     sync.Mutex
	nextID int64
	byHash map[item.HashID]ledger.Snapshot
	byID   map[int64]item.HashID
}

type txKey struct{ l *Ledger }

func NewLedger() *Ledger {
	return &Ledger{
		byHash: make(map[item.HashID]ledger.Snapshot),
		byID:   make(map[int64]item.HashID),
	}
}

// acquire locks the ledger unless ctx already runs inside its transaction.
func (l *Ledger) acquire(ctx context.Context) func() {
	if ctx.Value(txKey{l}) != nil {
		return func() {}
	}
	l.mu.Lock()
	return l.mu.Unlock
}

func (l *Ledger) GetRecord(ctx context.Context, id item.HashID) (*ledger.Record, error) {
	release := l.acquire(ctx)
	defer release()
	s, ok := l.liveLocked(id)
	if !ok {
		return nil, nil
	}
	return ledger.RestoreRecord(l, s), nil
}

// liveLocked returns the snapshot for id, purging it if it has expired.
func (l *Ledger) liveLocked(id item.HashID) (ledger.Snapshot, bool) {
	s, ok := l.byHash[id]
	if !ok {
		return s, false
	}
	if s.ExpiresAt.Before(time.Now()) {
		delete(l.byHash, id)
		delete(l.byID, s.RecordID)
		return s, false
	}
	return s, true
}

func (l *Ledger) FindOrCreate(ctx context.Context, id item.HashID) (*ledger.Record, error) {
	release := l.acquire(ctx)
	defer release()
	if s, ok := l.liveLocked(id); ok {
		return ledger.RestoreRecord(l, s), nil
	}
	r := ledger.NewRecord(l, id, item.StatePending)
	if err := l.insertLocked(r); err != nil {
		return nil, err
	}
	return r, nil
}

func (l *Ledger) CreateOutputLockRecord(ctx context.Context, ownerRecordID int64, newID item.HashID) (*ledger.Record, error) {
	release := l.acquire(ctx)
	defer release()
	if _, ok := l.liveLocked(newID); ok {
		return nil, nil
	}
	r := ledger.NewRecord(l, newID, item.StateLockedForCreation)
	r.SetLockedByRecordID(ownerRecordID)
	if err := l.insertLocked(r); err != nil {
		return nil, err
	}
	return r, nil
}

func (l *Ledger) GetLockOwnerOf(ctx context.Context, r *ledger.Record) (*ledger.Record, error) {
	ownerID := r.LockedByRecordID()
	if ownerID == 0 {
		return nil, nil
	}
	release := l.acquire(ctx)
	defer release()
	hash, ok := l.byID[ownerID]
	if !ok {
		return nil, nil
	}
	s, ok := l.liveLocked(hash)
	if !ok {
		return nil, nil
	}
	return ledger.RestoreRecord(l, s), nil
}

func (l *Ledger) Save(ctx context.Context, r *ledger.Record) error {
	if r.Ledger() != l {
		return fmt.Errorf("%w: record belongs to another ledger", ledger.ErrIllegalState)
	}
	release := l.acquire(ctx)
	defer release()
	s := r.Snapshot()
	if s.RecordID == 0 {
		return l.insertLocked(r)
	}
	if _, ok := l.byID[s.RecordID]; !ok {
		return ledger.Fail("save", fmt.Errorf("%w: id %d", ledger.ErrNotFound, s.RecordID))
	}
	l.byHash[s.ID] = s
	r.MarkClean()
	return nil
}

func (l *Ledger) insertLocked(r *ledger.Record) error {
	s := r.Snapshot()
	if existing, ok := l.byHash[s.ID]; ok && existing.RecordID != s.RecordID {
		return ledger.Fail("insert", errors.New("duplicate hash"))
	}
	l.nextID++
	if err := r.SetRecordID(l.nextID); err != nil {
		return err
	}
	s.RecordID = l.nextID
	l.byHash[s.ID] = s
	l.byID[s.RecordID] = s.ID
	r.MarkClean()
	return nil
}

func (l *Ledger) Destroy(ctx context.Context, r *ledger.Record) error {
	s := r.Snapshot()
	if s.RecordID == 0 {
		return fmt.Errorf("%w: can't destroy record without record id", ledger.ErrIllegalState)
	}
	release := l.acquire(ctx)
	defer release()
	if hash, ok := l.byID[s.RecordID]; ok {
		delete(l.byHash, hash)
		delete(l.byID, s.RecordID)
	}
	return nil
}

// Transaction holds the ledger lock for the whole of fn and restores the
// previous contents when fn fails.
func (l *Ledger) Transaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(txKey{l}) != nil {
		return fn(ctx)
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	nextID := l.nextID
	byHash := make(map[item.HashID]ledger.Snapshot, len(l.byHash))
	for k, v := range l.byHash {
		byHash[k] = v
	}
	byID := make(map[int64]item.HashID, len(l.byID))
	for k, v := range l.byID {
		byID[k] = v
	}

	err := fn(context.WithValue(ctx, txKey{l}, true))
	if err != nil {
		l.nextID, l.byHash, l.byID = nextID, byHash, byID
		if errors.Is(err, ledger.ErrRollback) {
			return nil
		}
	}
	return err
}

func (l *Ledger) CountRecords(ctx context.Context) (int64, error) {
	release := l.acquire(ctx)
	defer release()
	return int64(len(l.byHash)), nil
}

func (l *Ledger) Close() error { return nil }
