package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/execution-hub/ledger-node/internal/domain/item"
)

// DefaultRecordTTL is the expiry given to records nobody extended.
const DefaultRecordTTL = 300 * time.Second

// Snapshot is the persisted form of a Record.
type Snapshot struct {
	RecordID         int64
	ID               item.HashID
	State            item.State
	CreatedAt        time.Time
	ExpiresAt        time.Time
	LockedByRecordID int64
}

// Record is the consensus record of one item hash. A Record value is a working
// copy: the ledger is authoritative and hands out fresh copies on every read.
type Record struct {
	ledger Ledger

	mu               sync.RWMutex
	recordID         int64
	id               item.HashID
	state            item.State
	createdAt        time.Time
	expiresAt        time.Time
	lockedByRecordID int64
	dirty            bool
}

// NewRecord creates an unsaved record bound to l.
func NewRecord(l Ledger, id item.HashID, state item.State) *Record {
	now := time.Now().UTC()
	return &Record{
		ledger:    l,
		id:        id,
		state:     state,
		createdAt: now,
		expiresAt: now.Add(DefaultRecordTTL),
		dirty:     true,
	}
}

// RestoreRecord rebuilds a clean record from storage.
func RestoreRecord(l Ledger, s Snapshot) *Record {
	return &Record{
		ledger:           l,
		recordID:         s.RecordID,
		id:               s.ID,
		state:            s.State,
		createdAt:        s.CreatedAt,
		expiresAt:        s.ExpiresAt,
		lockedByRecordID: s.LockedByRecordID,
	}
}

func (r *Record) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Snapshot{
		RecordID:         r.recordID,
		ID:               r.id,
		State:            r.state,
		CreatedAt:        r.createdAt,
		ExpiresAt:        r.expiresAt,
		LockedByRecordID: r.lockedByRecordID,
	}
}

// Result projects the record into a client-visible result.
func (r *Record) Result(haveCopy bool) item.Result {
	s := r.Snapshot()
	return item.Result{State: s.State, HaveCopy: haveCopy, CreatedAt: s.CreatedAt, ExpiresAt: s.ExpiresAt}
}

func (r *Record) Ledger() Ledger { return r.ledger }

func (r *Record) ID() item.HashID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.id
}

func (r *Record) RecordID() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.recordID
}

func (r *Record) State() item.State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

func (r *Record) CreatedAt() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.createdAt
}

func (r *Record) ExpiresAt() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.expiresAt
}

func (r *Record) LockedByRecordID() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lockedByRecordID
}

func (r *Record) IsDirty() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.dirty
}

func (r *Record) IsExpired(now time.Time) bool {
	return r.ExpiresAt().Before(now)
}

func (r *Record) SetState(s item.State) *Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != s {
		r.state = s
		r.dirty = true
	}
	return r
}

func (r *Record) SetExpiresAt(t time.Time) *Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.expiresAt.Equal(t) {
		r.expiresAt = t
		r.dirty = true
	}
	return r
}

func (r *Record) SetLockedByRecordID(id int64) *Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lockedByRecordID != id {
		r.lockedByRecordID = id
		r.dirty = true
	}
	return r
}

// SetRecordID is called by ledgers once the record is inserted. An assigned id
// never changes.
func (r *Record) SetRecordID(id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.recordID != 0 && r.recordID != id {
		return fmt.Errorf("%w: record id %d already assigned", ErrIllegalState, r.recordID)
	}
	r.recordID = id
	return nil
}

// MarkClean is called by ledgers after a successful write.
func (r *Record) MarkClean() {
	r.mu.Lock()
	r.dirty = false
	r.mu.Unlock()
}

// Save writes the record if anything changed since the last write.
func (r *Record) Save(ctx context.Context) error {
	if err := r.requireLedger(); err != nil {
		return err
	}
	if !r.IsDirty() {
		return nil
	}
	if err := r.ledger.Save(ctx, r); err != nil {
		return err
	}
	r.MarkClean()
	return nil
}

func (r *Record) Destroy(ctx context.Context) error {
	if err := r.requireLedger(); err != nil {
		return err
	}
	return r.ledger.Destroy(ctx, r)
}

// LockToRevoke locks the record idToRevoke as being revoked by r. It returns nil
// when the target is absent, not approved, or validly locked by someone else.
// Only PENDING records may lock others.
func (r *Record) LockToRevoke(ctx context.Context, idToRevoke item.HashID) (*Record, error) {
	if err := r.requireLockable("lockToRevoke"); err != nil {
		return nil, err
	}
	var locked *Record
	err := r.ledger.Transaction(ctx, func(ctx context.Context) error {
		target, err := r.ledger.GetRecord(ctx, idToRevoke)
		if err != nil || target == nil {
			return err
		}
		switch target.State() {
		case item.StateLocked:
			ok, err := r.canTakeLock(ctx, target)
			if err != nil || !ok {
				return err
			}
		case item.StateApproved:
		default:
			return nil
		}
		target.SetLockedByRecordID(r.RecordID())
		target.SetState(item.StateLocked)
		if err := target.Save(ctx); err != nil {
			return err
		}
		locked = target
		return nil
	})
	if err != nil {
		return nil, err
	}
	return locked, nil
}

// canTakeLock decides whether an existing lock may be taken over: it is ours,
// its owner is gone, or its owner lost its own election.
func (r *Record) canTakeLock(ctx context.Context, locked *Record) (bool, error) {
	if locked.LockedByRecordID() == r.RecordID() {
		return true, nil
	}
	owner, err := r.ledger.GetLockOwnerOf(ctx, locked)
	if err != nil {
		return false, err
	}
	if owner == nil {
		return true, nil
	}
	switch st := owner.State(); {
	case st.IsPending():
		return false, nil
	case st == item.StateDeclined || st == item.StateDiscarded:
		return true, nil
	default:
		return false, nil
	}
}

// CreateOutputLockRecord reserves newID for creation by r. Retrying is
// idempotent; it returns nil when another record already holds the id.
func (r *Record) CreateOutputLockRecord(ctx context.Context, newID item.HashID) (*Record, error) {
	if err := r.requireLockable("createOutputLockRecord"); err != nil {
		return nil, err
	}
	var out *Record
	err := r.ledger.Transaction(ctx, func(ctx context.Context) error {
		existing, err := r.ledger.GetRecord(ctx, newID)
		if err != nil {
			return err
		}
		if existing != nil {
			if existing.State() == item.StateLockedForCreation && existing.LockedByRecordID() == r.RecordID() {
				out = existing
			}
			return nil
		}
		out, err = r.ledger.CreateOutputLockRecord(ctx, r.RecordID(), newID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Unlock releases a lock held on this record: LOCKED goes back to APPROVED and
// LOCKED_FOR_CREATION is destroyed. Other states are left alone.
func (r *Record) Unlock(ctx context.Context) error {
	switch r.State() {
	case item.StateLocked:
		r.SetState(item.StateApproved)
		r.SetLockedByRecordID(0)
		return r.Save(ctx)
	case item.StateLockedForCreation:
		return r.Destroy(ctx)
	}
	return nil
}

// Revoke archives a LOCKED record.
func (r *Record) Revoke(ctx context.Context) error {
	if st := r.State(); st != item.StateLocked {
		return fmt.Errorf("%w: can't revoke record in state %s", ErrIllegalState, st)
	}
	r.SetState(item.StateRevoked)
	r.SetLockedByRecordID(0)
	return r.Save(ctx)
}

// Approve moves a pending record to APPROVED.
func (r *Record) Approve(ctx context.Context) error {
	if err := r.requireLedger(); err != nil {
		return err
	}
	if st := r.State(); !st.IsPending() {
		return fmt.Errorf("%w: can't approve record in state %s", ErrIllegalState, st)
	}
	r.SetState(item.StateApproved)
	return r.Save(ctx)
}

func (r *Record) requireLedger() error {
	if r.ledger == nil {
		return fmt.Errorf("%w: record is not attached to a ledger", ErrIllegalState)
	}
	return nil
}

func (r *Record) requireLockable(op string) error {
	if err := r.requireLedger(); err != nil {
		return err
	}
	s := r.Snapshot()
	if s.State != item.StatePending {
		return fmt.Errorf("%w: %s requires PENDING, record is %s", ErrIllegalState, op, s.State)
	}
	if s.RecordID == 0 {
		return fmt.Errorf("%w: %s requires a saved record", ErrIllegalState, op)
	}
	return nil
}

func (r *Record) String() string {
	s := r.Snapshot()
	return fmt.Sprintf("State<%s/%d:%s:%s/%s>", s.ID.Short(), s.RecordID, s.State,
		s.CreatedAt.Format(time.RFC3339), s.ExpiresAt.Format(time.RFC3339))
}
