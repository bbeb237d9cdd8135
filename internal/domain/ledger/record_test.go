package ledger_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/execution-hub/ledger-node/internal/domain/item"
	"github.com/execution-hub/ledger-node/internal/domain/ledger"
	"github.com/execution-hub/ledger-node/internal/domain/ledger/mocks"
	"github.com/execution-hub/ledger-node/internal/infrastructure/memory"
)

func approved(t *testing.T, l ledger.Ledger, name string) *ledger.Record {
	t.Helper()
	r, err := l.FindOrCreate(context.Background(), item.HashOf([]byte(name)))
	require.NoError(t, err)
	require.NoError(t, r.Approve(context.Background()))
	return r
}

func pending(t *testing.T, l ledger.Ledger, name string) *ledger.Record {
	t.Helper()
	r, err := l.FindOrCreate(context.Background(), item.HashOf([]byte(name)))
	require.NoError(t, err)
	require.Equal(t, item.StatePending, r.State())
	return r
}

func TestLockToRevoke(t *testing.T) {
	ctx := context.Background()
	l := memory.NewLedger()
	target := approved(t, l, "target")
	locker := pending(t, l, "locker")

	locked, err := locker.LockToRevoke(ctx, target.ID())
	require.NoError(t, err)
	require.NotNil(t, locked)
	assert.Equal(t, item.StateLocked, locked.State())
	assert.Equal(t, locker.RecordID(), locked.LockedByRecordID())

	stored, err := l.GetRecord(ctx, target.ID())
	require.NoError(t, err)
	assert.Equal(t, item.StateLocked, stored.State())
	assert.Equal(t, locker.RecordID(), stored.LockedByRecordID())

	t.Run("retry by the same owner succeeds", func(t *testing.T) {
		again, err := locker.LockToRevoke(ctx, target.ID())
		require.NoError(t, err)
		assert.NotNil(t, again)
	})

	t.Run("live pending owner blocks a second locker", func(t *testing.T) {
		other := pending(t, l, "other")
		got, err := other.LockToRevoke(ctx, target.ID())
		require.NoError(t, err)
		assert.Nil(t, got)

		stored, err := l.GetRecord(ctx, target.ID())
		require.NoError(t, err)
		assert.Equal(t, locker.RecordID(), stored.LockedByRecordID())
	})
}

func TestLockToRevokeMissingOrUnapproved(t *testing.T) {
	ctx := context.Background()
	l := memory.NewLedger()
	locker := pending(t, l, "locker")

	got, err := locker.LockToRevoke(ctx, item.HashOf([]byte("absent")))
	require.NoError(t, err)
	assert.Nil(t, got)

	p := pending(t, l, "still-pending")
	got, err = locker.LockToRevoke(ctx, p.ID())
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestLockToRevokeReclaimsStaleLocks(t *testing.T) {
	ctx := context.Background()

	for _, ownerState := range []item.State{item.StateDeclined, item.StateDiscarded} {
		t.Run(string(ownerState), func(t *testing.T) {
			l := memory.NewLedger()
			target := approved(t, l, "target")
			loser := pending(t, l, "loser")
			_, err := loser.LockToRevoke(ctx, target.ID())
			require.NoError(t, err)

			loser.SetState(ownerState)
			require.NoError(t, loser.Save(ctx))

			winner := pending(t, l, "winner")
			got, err := winner.LockToRevoke(ctx, target.ID())
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.Equal(t, winner.RecordID(), got.LockedByRecordID())
		})
	}

	t.Run("destroyed owner", func(t *testing.T) {
		l := memory.NewLedger()
		target := approved(t, l, "target")
		gone := pending(t, l, "gone")
		_, err := gone.LockToRevoke(ctx, target.ID())
		require.NoError(t, err)
		require.NoError(t, gone.Destroy(ctx))

		winner := pending(t, l, "winner")
		got, err := winner.LockToRevoke(ctx, target.ID())
		require.NoError(t, err)
		require.NotNil(t, got)
	})

	t.Run("approved owner keeps its lock", func(t *testing.T) {
		l := memory.NewLedger()
		target := approved(t, l, "target")
		owner := pending(t, l, "owner")
		_, err := owner.LockToRevoke(ctx, target.ID())
		require.NoError(t, err)
		require.NoError(t, owner.Approve(ctx))

		late := pending(t, l, "late")
		got, err := late.LockToRevoke(ctx, target.ID())
		require.NoError(t, err)
		assert.Nil(t, got)
	})
}

func TestLockingRequiresPendingSavedRecord(t *testing.T) {
	ctx := context.Background()
	l := memory.NewLedger()
	target := approved(t, l, "target")
	done := approved(t, l, "done")

	_, err := done.LockToRevoke(ctx, target.ID())
	assert.ErrorIs(t, err, ledger.ErrIllegalState)

	_, err = done.CreateOutputLockRecord(ctx, item.HashOf([]byte("new")))
	assert.ErrorIs(t, err, ledger.ErrIllegalState)

	unsaved := ledger.NewRecord(l, item.HashOf([]byte("unsaved")), item.StatePending)
	_, err = unsaved.LockToRevoke(ctx, target.ID())
	assert.ErrorIs(t, err, ledger.ErrIllegalState)

	detached := ledger.NewRecord(nil, item.HashOf([]byte("detached")), item.StatePending)
	assert.ErrorIs(t, detached.Approve(ctx), ledger.ErrIllegalState)
}

func TestCreateOutputLockRecord(t *testing.T) {
	ctx := context.Background()
	l := memory.NewLedger()
	owner := pending(t, l, "owner")
	newID := item.HashOf([]byte("new"))

	first, err := owner.CreateOutputLockRecord(ctx, newID)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, item.StateLockedForCreation, first.State())
	assert.Equal(t, owner.RecordID(), first.LockedByRecordID())

	second, err := owner.CreateOutputLockRecord(ctx, newID)
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, first.RecordID(), second.RecordID())

	other := pending(t, l, "other")
	got, err := other.CreateOutputLockRecord(ctx, newID)
	require.NoError(t, err)
	assert.Nil(t, got)

	existing := approved(t, l, "existing")
	got, err = owner.CreateOutputLockRecord(ctx, existing.ID())
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestUnlock(t *testing.T) {
	ctx := context.Background()
	l := memory.NewLedger()
	target := approved(t, l, "target")
	owner := pending(t, l, "owner")

	locked, err := owner.LockToRevoke(ctx, target.ID())
	require.NoError(t, err)
	require.NoError(t, locked.Unlock(ctx))

	stored, err := l.GetRecord(ctx, target.ID())
	require.NoError(t, err)
	assert.Equal(t, item.StateApproved, stored.State())
	assert.Zero(t, stored.LockedByRecordID())

	created, err := owner.CreateOutputLockRecord(ctx, item.HashOf([]byte("new")))
	require.NoError(t, err)
	require.NoError(t, created.Unlock(ctx))
	gone, err := l.GetRecord(ctx, created.ID())
	require.NoError(t, err)
	assert.Nil(t, gone)

	// other states are untouched
	require.NoError(t, owner.Unlock(ctx))
	assert.Equal(t, item.StatePending, owner.State())
}

func TestRevoke(t *testing.T) {
	ctx := context.Background()
	l := memory.NewLedger()
	target := approved(t, l, "target")
	owner := pending(t, l, "owner")

	assert.ErrorIs(t, target.Revoke(ctx), ledger.ErrIllegalState)

	locked, err := owner.LockToRevoke(ctx, target.ID())
	require.NoError(t, err)
	require.NoError(t, locked.Revoke(ctx))

	stored, err := l.GetRecord(ctx, target.ID())
	require.NoError(t, err)
	assert.Equal(t, item.StateRevoked, stored.State())
	assert.Zero(t, stored.LockedByRecordID())
}

func TestApprove(t *testing.T) {
	ctx := context.Background()
	l := memory.NewLedger()
	r := pending(t, l, "r")
	r.SetState(item.StatePendingPositive)
	require.NoError(t, r.Approve(ctx))
	assert.Equal(t, item.StateApproved, r.State())

	assert.ErrorIs(t, r.Approve(ctx), ledger.ErrIllegalState)
}

func TestSaveSkipsCleanRecords(t *testing.T) {
	ctx := context.Background()
	l := memory.NewLedger()
	r := pending(t, l, "r")
	assert.False(t, r.IsDirty())

	r.SetExpiresAt(time.Now().Add(time.Hour))
	assert.True(t, r.IsDirty())
	require.NoError(t, r.Save(ctx))
	assert.False(t, r.IsDirty())

	assert.Error(t, r.SetRecordID(r.RecordID()+1))
}

func TestFailWrapsStorageErrors(t *testing.T) {
	boom := errors.New("disk on fire")
	err := ledger.Fail("save", boom)
	var f *ledger.Failure
	require.ErrorAs(t, err, &f)
	assert.Equal(t, "save", f.Op)
	assert.ErrorIs(t, err, boom)

	assert.Same(t, err, ledger.Fail("outer", err))
	assert.Equal(t, ledger.ErrRollback, ledger.Fail("tx", ledger.ErrRollback))
	assert.NoError(t, ledger.Fail("noop", nil))
}

func TestApprovalHelpers(t *testing.T) {
	ctx := context.Background()
	l := memory.NewLedger()
	a := approved(t, l, "a")
	p := pending(t, l, "p")

	ok, err := ledger.IsApproved(ctx, l, a.ID())
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = ledger.IsApproved(ctx, l, p.ID())
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = ledger.IsConsensusFound(ctx, l, item.HashOf([]byte("missing")))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLockToRevokePropagatesStorageFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	ctx := context.Background()
	l := mocks.NewMockLedger(ctrl)
	locker := ledger.RestoreRecord(l, ledger.Snapshot{
		RecordID: 7,
		ID:       item.HashOf([]byte("locker")),
		State:    item.StatePending,
	})
	target := ledger.RestoreRecord(l, ledger.Snapshot{
		RecordID: 3,
		ID:       item.HashOf([]byte("target")),
		State:    item.StateApproved,
	})
	boom := ledger.Fail("save", errors.New("connection reset"))

	l.EXPECT().
		Transaction(ctx, gomock.Any()).
		DoAndReturn(func(ctx context.Context, fn func(context.Context) error) error {
			return fn(ctx)
		})
	l.EXPECT().GetRecord(ctx, target.ID()).Return(target, nil)
	l.EXPECT().
		Save(ctx, target).
		DoAndReturn(func(_ context.Context, r *ledger.Record) error {
			assert.Equal(t, item.StateLocked, r.State())
			assert.EqualValues(t, 7, r.LockedByRecordID())
			return boom
		})

	got, err := locker.LockToRevoke(ctx, target.ID())
	assert.Nil(t, got)
	var f *ledger.Failure
	assert.ErrorAs(t, err, &f)
}
