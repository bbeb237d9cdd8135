package consensus

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/execution-hub/ledger-node/internal/domain/item"
	"github.com/execution-hub/ledger-node/internal/domain/ledger"
)

var (
	// ErrElectionConflict means the ledger already holds a non-pending record
	// for the item. It is never retried.
	ErrElectionConflict = errors.New("election conflict")
	ErrNodeClosed       = errors.New("node is closed")
)

type decision int

const (
	decisionNone decision = iota
	decisionCommit
	decisionDecline
	decisionFail
)

const (
	polarityPositive  = "positive"
	polarityNegative  = "negative"
	polarityDuplicate = "duplicate"
)

// Elections runs the vote on one item. It is owned by a LocalNode and lives
// until shortly after it closes.
type Elections struct {
	node     *LocalNode
	itemID   item.HashID
	logger   zerolog.Logger
	deadline time.Time

	ctx    context.Context
	cancel context.CancelFunc

	record *ledger.Record

	it           atomic.Pointer[item.Item]
	downloaded   chan struct{}
	checkStarted atomic.Bool

	sourcesMu   sync.Mutex
	sources     []Node
	queued      map[string]bool
	sourceReady chan struct{}

	mu             sync.Mutex
	positive       map[string]struct{}
	negative       map[string]struct{}
	lockedToRevoke []*ledger.Record
	lockedToCreate []*ledger.Record
	votingStarted  bool
	activePollers  int
	decided        bool
	decidedCh      chan struct{}
	closed         bool

	done *Completion
}

func newElections(n *LocalNode, itemID item.HashID, it *item.Item) *Elections {
	ctx, cancel := context.WithCancel(n.ctx)
	e := &Elections{
		node:   n,
		itemID: itemID,
		logger: n.logger.With().
			Str("item_id", itemID.Short()).
			Str("trace_id", uuid.NewString()).
			Logger(),
		deadline:    time.Now().Add(n.network.MaxElectionsTime()),
		ctx:         ctx,
		cancel:      cancel,
		downloaded:  make(chan struct{}),
		queued:      make(map[string]bool),
		sourceReady: make(chan struct{}, 1),
		positive:    make(map[string]struct{}),
		negative:    make(map[string]struct{}),
		decidedCh:   make(chan struct{}),
		done:        newCompletion(),
	}
	if it != nil {
		e.setItem(it)
	}
	return e
}

// start claims the ledger record and launches the election. It must not block
// on peers: LocalNode calls it with its registry locked.
func (e *Elections) start(ctx context.Context) error {
	rec, err := e.node.ledger.FindOrCreate(ctx, e.itemID)
	if err != nil {
		return fmt.Errorf("find or create record: %w", err)
	}
	if st := rec.State(); st != item.StatePending {
		return fmt.Errorf("%w: ledger already holds %s as %s", ErrElectionConflict, e.itemID.Short(), st)
	}
	rec.SetExpiresAt(e.deadline.UTC())
	if err := rec.Save(ctx); err != nil {
		return fmt.Errorf("save record: %w", err)
	}
	e.record = rec
	e.node.metrics.electionStarted()

	e.node.pool.Go(e.watchDeadline)
	if e.Item() != nil {
		e.logger.Debug().Msg("starting election with local copy")
		e.checkAndVote(e.ctx)
	} else {
		e.logger.Debug().Msg("starting election, item must be downloaded")
		e.node.pool.Go(e.download)
	}
	return nil
}

func (e *Elections) ItemID() item.HashID { return e.itemID }

// Item returns the local copy, or nil while it is not downloaded.
func (e *Elections) Item() *item.Item { return e.it.Load() }

func (e *Elections) State() item.State { return e.record.State() }

func (e *Elections) Result() item.Result {
	return e.record.Result(e.Item() != nil)
}

// currentResult reads the ledger once the election is closed, since later
// elections may have moved the record on. The flag reports whether it was.
func (e *Elections) currentResult(ctx context.Context) (item.Result, bool) {
	if _, closed := e.done.Result(); !closed {
		return e.Result(), false
	}
	rec, err := e.node.ledger.GetRecord(ctx, e.itemID)
	if err != nil {
		e.logger.Warn().Err(err).Msg("reload closed election record")
		return e.Result(), true
	}
	if rec == nil {
		return item.ResultUndefined, true
	}
	return rec.Result(e.Item() != nil), true
}

func (e *Elections) Completion() *Completion { return e.done }

// setItem stores the first copy offered and wakes everyone waiting for it.
func (e *Elections) setItem(it *item.Item) bool {
	if !e.it.CompareAndSwap(nil, it) {
		return false
	}
	close(e.downloaded)
	select {
	case e.sourceReady <- struct{}{}:
	default:
	}
	return true
}

// offerItem hands a client's copy to an election that is still downloading.
func (e *Elections) offerItem(ctx context.Context, it *item.Item) {
	if it == nil || it.ID() != e.itemID {
		return
	}
	e.setItem(it)
	e.checkAndVote(ctx)
}

// checkAndVote runs the local check and starts voting, once.
func (e *Elections) checkAndVote(ctx context.Context) {
	if e.Item() == nil || !e.checkStarted.CompareAndSwap(false, true) {
		return
	}
	e.mu.Lock()
	decided := e.decided
	e.mu.Unlock()
	if decided {
		return
	}
	e.checkLocally(ctx)
	e.startVoting()
}

// checkLocally validates the item against the ledger, takes the locks it needs
// and records the local verdict as this node's vote.
func (e *Elections) checkLocally(ctx context.Context) {
	e.mu.Lock()
	if e.decided || e.closed {
		e.mu.Unlock()
		return
	}
	it := e.Item()
	passed := e.runChecksLocked(ctx, it)

	verdict := item.StatePendingNegative
	if passed {
		verdict = item.StatePendingPositive
	}
	e.record.SetState(verdict)
	if err := e.record.Save(ctx); err != nil {
		e.logger.Error().Err(err).Msg("save local verdict")
	}
	e.logger.Debug().Str("verdict", string(verdict)).Msg("local check done")
	d := e.registerVoteLocked(e.node.ID(), passed)
	e.mu.Unlock()
	e.act(d)
}

func (e *Elections) runChecksLocked(ctx context.Context, it *item.Item) bool {
	if !it.Check() {
		return false
	}
	passed := true
	for _, ref := range it.References() {
		ok, err := ledger.IsApproved(ctx, e.node.ledger, ref)
		if err != nil {
			e.logger.Error().Err(err).Str("ref", ref.Short()).Msg("check reference")
		}
		if !ok {
			it.AddError(item.ErrBadRef, ref.String(), "reference not approved")
			passed = false
		}
	}
	for _, id := range it.Revoking() {
		r, err := e.record.LockToRevoke(ctx, id)
		if err != nil {
			e.logger.Error().Err(err).Str("target", id.Short()).Msg("lock to revoke")
		}
		if r == nil {
			it.AddError(item.ErrBadRevoke, id.String(), "can't revoke")
			passed = false
			continue
		}
		e.lockedToRevoke = append(e.lockedToRevoke, r)
	}
	for _, ni := range it.NewItems() {
		if !ni.Check() {
			it.AddError(item.ErrBadNewItem, ni.ID().String(), "bad new item: not passed check")
			passed = false
			continue
		}
		r, err := e.record.CreateOutputLockRecord(ctx, ni.ID())
		if err != nil {
			e.logger.Error().Err(err).Str("new_item", ni.ID().Short()).Msg("create output lock")
		}
		if r == nil {
			it.AddError(item.ErrNewItemExists, ni.ID().String(), "new item exists in ledger")
			passed = false
			continue
		}
		e.lockedToCreate = append(e.lockedToCreate, r)
	}
	return passed
}

// startVoting launches one poller per peer, in random order.
func (e *Elections) startVoting() {
	peers := e.node.network.AllNodes()
	rand.Shuffle(len(peers), func(i, j int) { peers[i], peers[j] = peers[j], peers[i] })

	targets := peers[:0]
	for _, p := range peers {
		if p.ID() != e.node.ID() {
			targets = append(targets, p)
		}
	}
	e.mu.Lock()
	e.votingStarted = true
	e.activePollers = len(targets)
	e.mu.Unlock()

	for _, p := range targets {
		p := p
		e.node.pool.Go(func() { e.poll(p) })
	}
	e.checkFailed()
}

// registerVote counts one vote from peerID. Repeated votes are ignored.
func (e *Elections) registerVote(peerID string, positive bool) {
	e.mu.Lock()
	d := e.registerVoteLocked(peerID, positive)
	e.mu.Unlock()
	e.act(d)
}

func (e *Elections) registerVoteLocked(peerID string, positive bool) decision {
	if e.decided || e.closed {
		return decisionNone
	}
	_, pos := e.positive[peerID]
	_, neg := e.negative[peerID]
	if pos || neg {
		e.node.metrics.vote(polarityDuplicate)
		return decisionNone
	}
	if positive {
		e.positive[peerID] = struct{}{}
		e.node.metrics.vote(polarityPositive)
	} else {
		e.negative[peerID] = struct{}{}
		e.node.metrics.vote(polarityNegative)
	}
	e.logger.Debug().
		Str("peer", peerID).
		Bool("positive", positive).
		Int("pos", len(e.positive)).
		Int("neg", len(e.negative)).
		Msg("vote registered")

	switch {
	case len(e.negative) >= e.node.network.NegativeConsensus():
		return e.decideLocked(decisionDecline)
	case len(e.positive) >= e.node.network.PositiveConsensus():
		return e.decideLocked(decisionCommit)
	}
	return decisionNone
}

func (e *Elections) hasVoted(peerID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, pos := e.positive[peerID]
	_, neg := e.negative[peerID]
	return pos || neg
}

func (e *Elections) decideLocked(d decision) decision {
	e.decided = true
	close(e.decidedCh)
	return d
}

// checkFailed fails the election when no poller is left while still pending,
// or when its time is up.
func (e *Elections) checkFailed() {
	e.mu.Lock()
	d := decisionNone
	if !e.decided && !e.closed {
		now := time.Now()
		exhausted := e.votingStarted && e.activePollers == 0 && e.record.State().IsPending()
		if exhausted || !now.Before(e.deadline) || e.record.IsExpired(now) {
			e.logger.Debug().Bool("exhausted", exhausted).Msg("election failed")
			d = e.decideLocked(decisionFail)
		}
	}
	e.mu.Unlock()
	e.act(d)
}

func (e *Elections) fail() {
	e.mu.Lock()
	d := decisionNone
	if !e.decided && !e.closed {
		d = e.decideLocked(decisionFail)
	}
	e.mu.Unlock()
	e.act(d)
}

// act carries out a decision off the caller's goroutine.
func (e *Elections) act(d decision) {
	net := e.node.network
	switch d {
	case decisionCommit:
		e.node.pool.Go(func() {
			e.commit()
			e.close()
		})
	case decisionDecline:
		e.node.pool.Go(func() {
			e.rollback(item.StateDeclined, time.Now().Add(net.DeclinedExpiration()))
			e.close()
		})
	case decisionFail:
		e.node.pool.Go(func() {
			e.rollback(item.StateUndefined, time.Now().Add(net.FailedExpiration()))
			e.close()
		})
	}
}

// commit approves the item and applies its revocations and creations. When the
// item is still downloading it waits for it until the deadline.
func (e *Elections) commit() {
	ctx := context.WithoutCancel(e.ctx)
	net := e.node.network
	e.logger.Info().Msg("positive consensus")

	if e.Item() == nil {
		if wait := time.Until(e.deadline); wait > 0 {
			t := time.NewTimer(wait)
			select {
			case <-e.downloaded:
			case <-t.C:
			case <-e.ctx.Done():
			}
			t.Stop()
		}
	}
	it := e.Item()

	err := e.node.ledger.Transaction(ctx, func(ctx context.Context) error {
		now := time.Now().UTC()
		e.record.SetState(item.StateApproved)
		e.record.SetLockedByRecordID(0)
		e.record.SetExpiresAt(now.Add(net.ApprovedExpiration()))
		if err := e.record.Save(ctx); err != nil {
			return err
		}
		if it == nil {
			return nil
		}
		for _, id := range it.Revoking() {
			r, err := e.node.ledger.FindOrCreate(ctx, id)
			if err != nil {
				return err
			}
			r.SetState(item.StateRevoked)
			r.SetLockedByRecordID(0)
			r.SetExpiresAt(now.Add(net.ArchiveExpiration()))
			if err := r.Save(ctx); err != nil {
				return err
			}
		}
		for _, ni := range it.NewItems() {
			r, err := e.node.ledger.FindOrCreate(ctx, ni.ID())
			if err != nil {
				return err
			}
			r.SetState(item.StateApproved)
			r.SetLockedByRecordID(0)
			r.SetExpiresAt(now.Add(net.ApprovedExpiration()))
			if err := r.Save(ctx); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		e.logger.Error().Err(err).Msg("commit approved item")
	}
	if it == nil {
		e.logger.Warn().Msg("approved without a local copy, dependent records unchanged")
	}

	e.mu.Lock()
	e.lockedToRevoke = nil
	e.lockedToCreate = nil
	e.mu.Unlock()
}

// rollback releases every lock this election still owns and moves its record
// to state, all in one ledger transaction.
func (e *Elections) rollback(state item.State, expiresAt time.Time) {
	ctx := context.WithoutCancel(e.ctx)
	e.logger.Info().Str("state", string(state)).Msg("rolling back")

	e.mu.Lock()
	locked := append(append([]*ledger.Record(nil), e.lockedToRevoke...), e.lockedToCreate...)
	e.lockedToRevoke = nil
	e.lockedToCreate = nil
	e.mu.Unlock()

	l := e.node.ledger
	err := l.Transaction(ctx, func(ctx context.Context) error {
		owner := e.record.RecordID()
		for _, r := range locked {
			cur, err := l.GetRecord(ctx, r.ID())
			if err != nil {
				return err
			}
			// someone reclaimed the lock after we lost it
			if cur == nil || cur.LockedByRecordID() != owner {
				continue
			}
			if err := cur.Unlock(ctx); err != nil {
				return err
			}
		}
		e.record.SetState(state)
		e.record.SetExpiresAt(expiresAt.UTC())
		return e.record.Save(ctx)
	})
	if err != nil {
		e.logger.Error().Err(err).Msg("rollback")
	}
}

// close stops all election work and resolves the completion. It is idempotent.
func (e *Elections) close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	if !e.decided {
		e.decided = true
		close(e.decidedCh)
	}
	e.mu.Unlock()

	e.cancel()
	res := e.Result()
	if res.State == item.StateApproved {
		e.broadcast(res)
	}
	e.node.metrics.electionFinished(res.State)
	e.logger.Info().Str("state", string(res.State)).Msg("election closed")
	e.done.complete(res)
}

// broadcast pushes the approval to every peer so that lagging ones count it.
func (e *Elections) broadcast(res item.Result) {
	n := e.node
	e.node.pool.Go(func() {
		ctx, cancel := context.WithTimeout(n.ctx, n.network.MaxElectionsTime())
		defer cancel()
		var g errgroup.Group
		for _, peer := range n.network.AllNodes() {
			if peer.ID() == n.ID() {
				continue
			}
			peer := peer
			g.Go(func() error {
				return n.pool.Do(ctx, func(ctx context.Context) error {
					_, err := peer.CheckItem(ctx, n.ID(), e.itemID, res.State, res.HaveCopy)
					return err
				})
			})
		}
		if err := g.Wait(); err != nil {
			e.logger.Debug().Err(err).Msg("approval broadcast incomplete")
		}
	})
}

func (e *Elections) watchDeadline() {
	t := time.NewTimer(time.Until(e.deadline))
	defer t.Stop()
	select {
	case <-e.ctx.Done():
	case <-t.C:
		e.checkFailed()
	}
}

// addSource queues peer as a download source unless it is already queued.
func (e *Elections) addSource(peer Node) {
	if e.Item() != nil {
		return
	}
	e.sourcesMu.Lock()
	if e.queued[peer.ID()] {
		e.sourcesMu.Unlock()
		return
	}
	e.queued[peer.ID()] = true
	e.sources = append(e.sources, peer)
	e.sourcesMu.Unlock()

	select {
	case e.sourceReady <- struct{}{}:
	default:
	}
}

// nextSource blocks until a source is queued, the election ends or its
// deadline passes.
func (e *Elections) nextSource() (Node, bool) {
	t := time.NewTimer(time.Until(e.deadline))
	defer t.Stop()
	for {
		if e.Item() != nil {
			return nil, false
		}
		e.sourcesMu.Lock()
		if len(e.sources) > 0 {
			peer := e.sources[0]
			e.sources = e.sources[1:]
			delete(e.queued, peer.ID())
			e.sourcesMu.Unlock()
			return peer, true
		}
		e.sourcesMu.Unlock()

		select {
		case <-e.sourceReady:
		case <-e.ctx.Done():
			return nil, false
		case <-t.C:
			return nil, false
		}
	}
}

// download fetches the item from queued sources, then checks it and starts
// voting.
func (e *Elections) download() {
	for e.Item() == nil {
		peer, ok := e.nextSource()
		if !ok {
			break
		}
		if e.node.takeLateDownload() {
			e.logger.Debug().Msg("late download: waiting for consensus")
			select {
			case <-e.decidedCh:
			case <-e.ctx.Done():
				return
			}
		}

		var it *item.Item
		err := e.node.pool.Do(e.ctx, func(ctx context.Context) error {
			ctx, cancel := context.WithDeadline(ctx, e.deadline)
			defer cancel()
			var err error
			it, err = peer.GetItem(ctx, e.itemID)
			return err
		})
		if e.ctx.Err() != nil {
			return
		}
		switch {
		case err != nil:
			e.node.metrics.download("error")
			e.logger.Debug().Err(err).Str("peer", peer.ID()).Msg("download failed, will retry")
			e.requeue(peer)
			continue
		case it == nil:
			e.node.metrics.download("missing")
			e.requeue(peer)
			continue
		case it.ID() != e.itemID:
			e.node.metrics.download("mismatch")
			e.logger.Warn().Str("peer", peer.ID()).Msg("peer served a different item")
			continue
		}

		e.node.metrics.download("ok")
		e.logger.Debug().Str("peer", peer.ID()).Msg("item downloaded")
		e.setItem(it)
		e.checkAndVote(e.ctx)
		return
	}
	if e.Item() == nil {
		e.checkFailed()
	}
}

// requeue puts peer back after the requery pause.
func (e *Elections) requeue(peer Node) {
	t := time.NewTimer(e.node.network.RequeryPause())
	defer t.Stop()
	select {
	case <-t.C:
		e.addSource(peer)
	case <-e.ctx.Done():
	}
}
