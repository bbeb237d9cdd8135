package consensus

import (
	"context"
	"time"

	"github.com/execution-hub/ledger-node/internal/domain/item"
)

type pollState int

const (
	pollAwaitingResponse pollState = iota
	pollBackoff
	pollDone
)

const (
	pollVoted   = "voted"
	pollPending = "pending"
	pollError   = "error"
	pollSkipped = "skipped"
	pollTimeout = "timeout"
)

// poll queries one peer until it casts a vote or the election ends.
func (e *Elections) poll(peer Node) {
	defer func() {
		e.mu.Lock()
		e.activePollers--
		e.mu.Unlock()
		e.checkFailed()
	}()

	state := pollAwaitingResponse
	for state != pollDone {
		switch state {
		case pollAwaitingResponse:
			state = e.pollOnce(peer)
		case pollBackoff:
			state = e.backoff()
		}
	}
}

func (e *Elections) pollOnce(peer Node) pollState {
	if e.ctx.Err() != nil {
		return pollDone
	}
	// the peer may have pushed its vote already
	if e.hasVoted(peer.ID()) {
		e.node.metrics.poll(pollSkipped)
		return pollDone
	}

	var res item.Result
	err := e.node.pool.Do(e.ctx, func(ctx context.Context) error {
		ctx, cancel := context.WithDeadline(ctx, e.deadline)
		defer cancel()
		var err error
		res, err = peer.CheckItem(ctx, e.node.ID(), e.itemID, e.record.State(), e.Item() != nil)
		return err
	})
	if e.ctx.Err() != nil {
		return pollDone
	}
	if err != nil {
		e.node.metrics.poll(pollError)
		e.logger.Debug().Err(err).Str("peer", peer.ID()).Msg("poll failed")
		return pollBackoff
	}

	if res.HaveCopy && e.Item() == nil {
		e.addSource(peer)
	}
	switch {
	case res.State == item.StatePending || res.State == item.StateUndefined:
		e.node.metrics.poll(pollPending)
		return pollBackoff
	case res.State.IsPositive():
		e.node.metrics.poll(pollVoted)
		e.registerVote(peer.ID(), true)
	default:
		e.node.metrics.poll(pollVoted)
		e.registerVote(peer.ID(), false)
	}
	return pollDone
}

// backoff waits the requery pause, or fails the election when the pause would
// outlast it.
func (e *Elections) backoff() pollState {
	pause := e.node.network.RequeryPause()
	if !time.Now().Add(pause).Before(e.deadline) {
		e.node.metrics.poll(pollTimeout)
		e.fail()
		return pollDone
	}
	t := time.NewTimer(pause)
	defer t.Stop()
	select {
	case <-t.C:
		return pollAwaitingResponse
	case <-e.ctx.Done():
		return pollDone
	}
}
