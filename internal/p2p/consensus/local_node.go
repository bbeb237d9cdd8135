package consensus

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/execution-hub/ledger-node/internal/domain/item"
	"github.com/execution-hub/ledger-node/internal/domain/ledger"
)

// Publisher receives the final result of every election this node closes.
type Publisher interface {
	PublishResult(itemID item.HashID, res item.Result)
}

// Config holds node settings.
type Config struct {
	NodeID   string
	PoolSize int
}

func (c Config) normalized() Config {
	out := c
	out.NodeID = strings.TrimSpace(out.NodeID)
	if out.PoolSize <= 0 {
		out.PoolSize = DefaultPoolSize
	}
	return out
}

type Option func(*LocalNode)

func WithPublisher(p Publisher) Option {
	return func(n *LocalNode) { n.publisher = p }
}

func WithMetrics(m *Metrics) Option {
	return func(n *LocalNode) { n.metrics = m }
}

// LocalNode is this process's voting node. It owns the registry of running
// elections and answers peers and clients.
type LocalNode struct {
	id        string
	network   *Network
	ledger    ledger.Ledger
	pool      *Pool
	metrics   *Metrics
	publisher Publisher
	logger    zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	elections map[item.HashID]*Elections
	closed    bool

	lateDownload atomic.Bool
}

func NewLocalNode(cfg Config, network *Network, l ledger.Ledger, logger zerolog.Logger, opts ...Option) (*LocalNode, error) {
	cfg = cfg.normalized()
	if cfg.NodeID == "" {
		return nil, errors.New("node id is required")
	}
	if network == nil {
		return nil, errors.New("network is required")
	}
	if l == nil {
		return nil, errors.New("ledger is required")
	}
	ctx, cancel := context.WithCancel(context.Background())
	n := &LocalNode{
		id:        cfg.NodeID,
		network:   network,
		ledger:    l,
		pool:      NewPool(cfg.PoolSize),
		logger:    logger.With().Str("service", "consensus").Str("node_id", cfg.NodeID).Logger(),
		ctx:       ctx,
		cancel:    cancel,
		elections: make(map[item.HashID]*Elections),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n, nil
}

func (n *LocalNode) ID() string { return n.id }

func (n *LocalNode) Network() *Network { return n.network }

func (n *LocalNode) Ledger() ledger.Ledger { return n.ledger }

// CheckItem answers a peer. The caller's state counts as its vote when it is
// decisive.
func (n *LocalNode) CheckItem(ctx context.Context, callerID string, itemID item.HashID, state item.State, haveCopy bool) (item.Result, error) {
	res, _, err := n.checkItem(ctx, callerID, itemID, state, haveCopy, nil)
	return res, err
}

// GetItem serves a copy of the item held by a running election.
func (n *LocalNode) GetItem(_ context.Context, itemID item.HashID) (*item.Item, error) {
	n.mu.Lock()
	e := n.elections[itemID]
	n.mu.Unlock()
	if e == nil || e.Item() == nil {
		return nil, nil
	}
	return e.Item().Clone()
}

// RegisterItem starts an election for it and returns without waiting. When the
// ledger already knows the item the completion is resolved at once.
func (n *LocalNode) RegisterItem(ctx context.Context, it *item.Item) (item.Info, *Completion, error) {
	if it == nil {
		return item.Info{}, nil, errors.New("item is required")
	}
	if err := it.Validate(); err != nil {
		return item.Info{}, nil, err
	}
	res, e, err := n.checkItem(ctx, n.id, it.ID(), item.StateUndefined, true, it)
	if err != nil {
		return item.Info{}, nil, err
	}
	if e == nil {
		return item.NewInfo(res, it), completedWith(res), nil
	}
	e.offerItem(e.ctx, it)
	if res, closed := e.currentResult(ctx); closed {
		return item.NewInfo(res, it), completedWith(res), nil
	}
	return item.NewInfo(e.Result(), it), e.Completion(), nil
}

func (n *LocalNode) RegisterItemAndWait(ctx context.Context, it *item.Item) (item.Info, error) {
	_, done, err := n.RegisterItem(ctx, it)
	if err != nil {
		return item.Info{}, err
	}
	res, err := done.Wait(ctx)
	if err != nil {
		return item.Info{}, err
	}
	return item.NewInfo(res, it), nil
}

// QueryItem reads the ledger only. It never starts an election.
func (n *LocalNode) QueryItem(ctx context.Context, itemID item.HashID) (*item.Result, error) {
	rec, err := n.ledger.GetRecord(ctx, itemID)
	if err != nil || rec == nil {
		return nil, err
	}
	res := rec.Result(false)
	return &res, nil
}

// WaitForItem blocks on a running election, or falls back to the ledger. It
// returns nil when the item is unknown.
func (n *LocalNode) WaitForItem(ctx context.Context, itemID item.HashID) (*item.Result, error) {
	n.mu.Lock()
	e := n.elections[itemID]
	n.mu.Unlock()
	if e == nil {
		return n.QueryItem(ctx, itemID)
	}
	if res, closed := e.currentResult(ctx); closed {
		return &res, nil
	}
	res, err := e.Completion().Wait(ctx)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// EmulateLateDownload makes the next download wait until its election has
// decided. It is a test hook.
func (n *LocalNode) EmulateLateDownload() {
	n.lateDownload.Store(true)
}

func (n *LocalNode) takeLateDownload() bool {
	return n.lateDownload.CompareAndSwap(true, false)
}

func (n *LocalNode) ActiveElections() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.elections)
}

// Shutdown closes every election and waits for background work to stop.
func (n *LocalNode) Shutdown() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	running := make([]*Elections, 0, len(n.elections))
	for _, e := range n.elections {
		running = append(running, e)
	}
	n.mu.Unlock()

	n.cancel()
	for _, e := range running {
		e.close()
	}
	n.pool.Wait()
	n.logger.Info().Int("elections", len(running)).Msg("node stopped")
}

// checkItem finds or starts the election for itemID and applies what the
// caller told us. It returns a nil election when the ledger already settled the
// item.
func (n *LocalNode) checkItem(ctx context.Context, callerID string, itemID item.HashID, state item.State, haveCopy bool, it *item.Item) (item.Result, *Elections, error) {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return item.Result{}, nil, ErrNodeClosed
	}
	e := n.elections[itemID]
	if e == nil {
		rec, err := n.ledger.GetRecord(ctx, itemID)
		if err != nil {
			n.mu.Unlock()
			return item.Result{}, nil, err
		}
		if rec != nil {
			n.mu.Unlock()
			return rec.Result(false), nil, nil
		}
		e = newElections(n, itemID, it)
		if err := e.start(ctx); err != nil {
			n.mu.Unlock()
			e.cancel()
			return item.Result{}, nil, err
		}
		n.elections[itemID] = e
		n.pool.Go(func() { n.purgeWhenDone(e) })
	}
	n.mu.Unlock()

	if callerID != "" && callerID != n.id {
		if peer, ok := n.network.Node(callerID); ok {
			if haveCopy {
				e.addSource(peer)
			}
			if positive, ok := pushedVote(state); ok {
				e.registerVote(callerID, positive)
			}
		} else {
			n.logger.Debug().Str("caller", callerID).Msg("check from unknown node")
		}
	}
	res, _ := e.currentResult(ctx)
	return res, e, nil
}

// pushedVote classifies the state a caller reports about itself.
func pushedVote(state item.State) (positive, decisive bool) {
	switch state {
	case item.StatePendingPositive, item.StateApproved:
		return true, true
	case item.StatePendingNegative, item.StateRevoked, item.StateDeclined:
		return false, true
	}
	return false, false
}

// purgeWhenDone publishes the final result and drops the election from the
// registry once its grace period has passed.
func (n *LocalNode) purgeWhenDone(e *Elections) {
	select {
	case <-e.Completion().Done():
	case <-n.ctx.Done():
		return
	}
	if res, ok := e.Completion().Result(); ok && n.publisher != nil {
		n.publisher.PublishResult(e.itemID, res)
	}

	t := time.NewTimer(n.network.MaxElectionsTime())
	defer t.Stop()
	select {
	case <-t.C:
	case <-n.ctx.Done():
		return
	}
	n.mu.Lock()
	if n.elections[e.itemID] == e {
		delete(n.elections, e.itemID)
	}
	n.mu.Unlock()
}
