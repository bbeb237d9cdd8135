package bolt

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	bbolt "go.etcd.io/bbolt"

	"github.com/execution-hub/ledger-node/internal/domain/item"
	"github.com/execution-hub/ledger-node/internal/domain/ledger"
)

var (
	bucketRecords = []byte("records")
	bucketIDs     = []byte("record_ids")
)

// Ledger stores records in a single bbolt file. bbolt allows one writer at a
// time, which gives the serialization the ledger contract asks for.
type Ledger struct {
	db     *bbolt.DB
	logger zerolog.Logger
}

type txKey struct{ l *Ledger }

type storedRecord struct {
	RecordID         int64      `json:"recordId"`
	State            item.State `json:"state"`
	CreatedAt        time.Time  `json:"createdAt"`
	ExpiresAt        time.Time  `json:"expiresAt"`
	LockedByRecordID int64      `json:"lockedBy,omitempty"`
}

// Open opens or creates the ledger file under dir.
func Open(dir string, logger zerolog.Logger) (*Ledger, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	path := filepath.Join(dir, "ledger.db")
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketRecords); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketIDs)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init buckets: %w", err)
	}
	logger = logger.With().Str("service", "ledger").Str("driver", "bolt").Logger()
	logger.Info().Str("path", path).Msg("ledger opened")
	return &Ledger{db: db, logger: logger}, nil
}

// update runs fn in the transaction carried by ctx, or in a new one.
func (l *Ledger) update(ctx context.Context, op string, fn func(tx *bbolt.Tx) error) error {
	if tx, ok := ctx.Value(txKey{l}).(*bbolt.Tx); ok {
		return fn(tx)
	}
	return ledger.Fail(op, l.db.Update(fn))
}

func (l *Ledger) GetRecord(ctx context.Context, id item.HashID) (*ledger.Record, error) {
	var out *ledger.Record
	err := l.update(ctx, "get", func(tx *bbolt.Tx) error {
		s, ok, err := live(tx, id)
		if err != nil || !ok {
			return err
		}
		out = ledger.RestoreRecord(l, s)
		return nil
	})
	return out, err
}

func (l *Ledger) FindOrCreate(ctx context.Context, id item.HashID) (*ledger.Record, error) {
	var out *ledger.Record
	err := l.update(ctx, "findOrCreate", func(tx *bbolt.Tx) error {
		s, ok, err := live(tx, id)
		if err != nil {
			return err
		}
		if ok {
			out = ledger.RestoreRecord(l, s)
			return nil
		}
		r := ledger.NewRecord(l, id, item.StatePending)
		if err := insert(tx, r); err != nil {
			return err
		}
		out = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	out.MarkClean()
	return out, nil
}

func (l *Ledger) CreateOutputLockRecord(ctx context.Context, ownerRecordID int64, newID item.HashID) (*ledger.Record, error) {
	var out *ledger.Record
	err := l.update(ctx, "createOutputLock", func(tx *bbolt.Tx) error {
		_, ok, err := live(tx, newID)
		if err != nil || ok {
			return err
		}
		r := ledger.NewRecord(l, newID, item.StateLockedForCreation)
		r.SetLockedByRecordID(ownerRecordID)
		if err := insert(tx, r); err != nil {
			return err
		}
		out = r
		return nil
	})
	if err != nil || out == nil {
		return nil, err
	}
	out.MarkClean()
	return out, nil
}

func (l *Ledger) GetLockOwnerOf(ctx context.Context, r *ledger.Record) (*ledger.Record, error) {
	ownerID := r.LockedByRecordID()
	if ownerID == 0 {
		return nil, nil
	}
	var out *ledger.Record
	err := l.update(ctx, "getLockOwner", func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketIDs).Get(idKey(ownerID))
		if raw == nil {
			return nil
		}
		hash, err := item.HashIDFromBytes(raw)
		if err != nil {
			return err
		}
		s, ok, err := live(tx, hash)
		if err != nil || !ok {
			return err
		}
		out = ledger.RestoreRecord(l, s)
		return nil
	})
	return out, err
}

func (l *Ledger) Save(ctx context.Context, r *ledger.Record) error {
	if r.Ledger() != l {
		return fmt.Errorf("%w: record belongs to another ledger", ledger.ErrIllegalState)
	}
	err := l.update(ctx, "save", func(tx *bbolt.Tx) error {
		s := r.Snapshot()
		if s.RecordID == 0 {
			return insert(tx, r)
		}
		if tx.Bucket(bucketIDs).Get(idKey(s.RecordID)) == nil {
			return fmt.Errorf("%w: id %d", ledger.ErrNotFound, s.RecordID)
		}
		return put(tx, s)
	})
	if err != nil {
		return ledger.Fail("save", err)
	}
	r.MarkClean()
	return nil
}

func (l *Ledger) Destroy(ctx context.Context, r *ledger.Record) error {
	s := r.Snapshot()
	if s.RecordID == 0 {
		return fmt.Errorf("%w: can't destroy record without record id", ledger.ErrIllegalState)
	}
	return l.update(ctx, "destroy", func(tx *bbolt.Tx) error {
		return remove(tx, s)
	})
}

func (l *Ledger) Transaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{l}).(*bbolt.Tx); ok {
		return fn(ctx)
	}
	var fnErr error
	err := l.db.Update(func(tx *bbolt.Tx) error {
		fnErr = fn(context.WithValue(ctx, txKey{l}, tx))
		return fnErr
	})
	switch {
	case errors.Is(fnErr, ledger.ErrRollback):
		return nil
	case fnErr != nil:
		return fnErr
	}
	return ledger.Fail("commit", err)
}

func (l *Ledger) CountRecords(ctx context.Context) (int64, error) {
	var n int64
	count := func(tx *bbolt.Tx) error {
		n = int64(tx.Bucket(bucketRecords).Stats().KeyN)
		return nil
	}
	if tx, ok := ctx.Value(txKey{l}).(*bbolt.Tx); ok {
		return n, count(tx)
	}
	return n, ledger.Fail("count", l.db.View(count))
}

func (l *Ledger) Close() error {
	return l.db.Close()
}

// live loads the snapshot for id and deletes it when expired.
func live(tx *bbolt.Tx, id item.HashID) (ledger.Snapshot, bool, error) {
	raw := tx.Bucket(bucketRecords).Get(id.Bytes())
	if raw == nil {
		return ledger.Snapshot{}, false, nil
	}
	var sr storedRecord
	if err := json.Unmarshal(raw, &sr); err != nil {
		return ledger.Snapshot{}, false, fmt.Errorf("decode record %s: %w", id.Short(), err)
	}
	s := ledger.Snapshot{
		RecordID:         sr.RecordID,
		ID:               id,
		State:            sr.State,
		CreatedAt:        sr.CreatedAt,
		ExpiresAt:        sr.ExpiresAt,
		LockedByRecordID: sr.LockedByRecordID,
	}
	if s.ExpiresAt.Before(time.Now()) {
		return s, false, remove(tx, s)
	}
	return s, true, nil
}

func insert(tx *bbolt.Tx, r *ledger.Record) error {
	records := tx.Bucket(bucketRecords)
	s := r.Snapshot()
	if records.Get(s.ID.Bytes()) != nil {
		return errors.New("duplicate hash")
	}
	seq, err := records.NextSequence()
	if err != nil {
		return err
	}
	if err := r.SetRecordID(int64(seq)); err != nil {
		return err
	}
	s.RecordID = int64(seq)
	if err := tx.Bucket(bucketIDs).Put(idKey(s.RecordID), s.ID.Bytes()); err != nil {
		return err
	}
	return put(tx, s)
}

func put(tx *bbolt.Tx, s ledger.Snapshot) error {
	data, err := json.Marshal(storedRecord{
		RecordID:         s.RecordID,
		State:            s.State,
		CreatedAt:        s.CreatedAt,
		ExpiresAt:        s.ExpiresAt,
		LockedByRecordID: s.LockedByRecordID,
	})
	if err != nil {
		return err
	}
	return tx.Bucket(bucketRecords).Put(s.ID.Bytes(), data)
}

func remove(tx *bbolt.Tx, s ledger.Snapshot) error {
	ids := tx.Bucket(bucketIDs)
	key := idKey(s.RecordID)
	raw := ids.Get(key)
	if raw == nil {
		return nil
	}
	hash := append([]byte(nil), raw...)
	if err := ids.Delete(key); err != nil {
		return err
	}
	return tx.Bucket(bucketRecords).Delete(hash)
}

func idKey(id int64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(id))
	return buf[:]
}
