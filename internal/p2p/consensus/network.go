package consensus

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"
)

var ErrBadConsensus = errors.New("invalid consensus configuration")

// NetworkConfig carries the network-wide timing policy.
type NetworkConfig struct {
	MaxElectionsTime   time.Duration
	RequeryPause       time.Duration
	DeclinedExpiration time.Duration
	ArchiveExpiration  time.Duration
	ApprovedExpiration time.Duration
	FailedExpiration   time.Duration
}

func (c NetworkConfig) normalized() NetworkConfig {
	if c.MaxElectionsTime <= 0 {
		c.MaxElectionsTime = 5 * time.Second
	}
	if c.RequeryPause <= 0 {
		c.RequeryPause = 20 * time.Millisecond
	}
	if c.DeclinedExpiration <= 0 {
		c.DeclinedExpiration = 30 * 24 * time.Hour
	}
	if c.ArchiveExpiration <= 0 {
		c.ArchiveExpiration = 30 * 24 * time.Hour
	}
	if c.ApprovedExpiration <= 0 {
		c.ApprovedExpiration = 10 * 365 * 24 * time.Hour
	}
	if c.FailedExpiration <= 0 {
		c.FailedExpiration = 5 * time.Second
	}
	return c
}

// Network is the set of voting nodes, the local one included, and the quorum
// thresholds they vote against.
type Network struct {
	cfg NetworkConfig

	mu       sync.RWMutex
	nodes    map[string]Node
	positive int
	negative int
	// ratio > 0 re-derives thresholds on every membership change
	ratio float64
}

func NewNetwork(cfg NetworkConfig) *Network {
	return &Network{
		cfg:      cfg.normalized(),
		nodes:    make(map[string]Node),
		positive: 1,
		negative: 1,
	}
}

// DeriveConsensus computes thresholds for n nodes and a target approval ratio
// in (0.5, 1].
func DeriveConsensus(n int, ratio float64) (positive, negative int, err error) {
	if ratio <= 0.5 || ratio > 1 {
		return 0, 0, fmt.Errorf("%w: ratio %.3f out of (0.5, 1]", ErrBadConsensus, ratio)
	}
	switch {
	case n <= 1:
		return 1, 1, nil
	case n < 6:
		positive = n/2 + 1
		negative = max(1, n/2-1)
		return positive, negative, nil
	}
	positive = int(math.Round(float64(n) * ratio))
	negative = n - positive + 1
	if negative >= positive || negative < 1 {
		return 0, 0, fmt.Errorf("%w: %d nodes at ratio %.3f give %d/%d", ErrBadConsensus, n, ratio, positive, negative)
	}
	return positive, negative, nil
}

// DeriveConsensus switches the network to ratio-derived thresholds.
func (n *Network) DeriveConsensus(ratio float64) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	pos, neg, err := DeriveConsensus(len(n.nodes), ratio)
	if err != nil {
		return err
	}
	n.ratio = ratio
	n.positive, n.negative = pos, neg
	return nil
}

// SetConsensus fixes the thresholds; membership changes no longer touch them.
func (n *Network) SetConsensus(positive, negative int) error {
	if positive < 1 || negative < 1 {
		return fmt.Errorf("%w: thresholds %d/%d must be positive", ErrBadConsensus, positive, negative)
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.ratio = 0
	n.positive, n.negative = positive, negative
	return nil
}

func (n *Network) RegisterNode(node Node) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nodes[node.ID()] = node
	return n.rederiveLocked()
}

func (n *Network) UnregisterNode(id string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.nodes, id)
	return n.rederiveLocked()
}

func (n *Network) rederiveLocked() error {
	if n.ratio == 0 {
		return nil
	}
	pos, neg, err := DeriveConsensus(len(n.nodes), n.ratio)
	if err != nil {
		return err
	}
	n.positive, n.negative = pos, neg
	return nil
}

func (n *Network) Node(id string) (Node, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	node, ok := n.nodes[id]
	return node, ok
}

// AllNodes returns the members ordered by id.
func (n *Network) AllNodes() []Node {
	n.mu.RLock()
	out := make([]Node, 0, len(n.nodes))
	for _, node := range n.nodes {
		out = append(out, node)
	}
	n.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

func (n *Network) PositiveConsensus() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.positive
}

func (n *Network) NegativeConsensus() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.negative
}

// HasQuorum reports whether enough nodes are registered to ever reach a
// positive consensus.
func (n *Network) HasQuorum() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.nodes) >= n.positive
}

func (n *Network) MaxElectionsTime() time.Duration   { return n.cfg.MaxElectionsTime }
func (n *Network) RequeryPause() time.Duration       { return n.cfg.RequeryPause }
func (n *Network) DeclinedExpiration() time.Duration { return n.cfg.DeclinedExpiration }
func (n *Network) ArchiveExpiration() time.Duration  { return n.cfg.ArchiveExpiration }
func (n *Network) ApprovedExpiration() time.Duration { return n.cfg.ApprovedExpiration }
func (n *Network) FailedExpiration() time.Duration   { return n.cfg.FailedExpiration }
