//go:build integration
// +build integration

package integration

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/execution-hub/ledger-node/internal/domain/item"
	"github.com/execution-hub/ledger-node/internal/infrastructure/postgres"
	"github.com/execution-hub/ledger-node/internal/infrastructure/sse"
	p2papi "github.com/execution-hub/ledger-node/internal/p2p/api"
	"github.com/execution-hub/ledger-node/internal/p2p/consensus"
	"github.com/execution-hub/ledger-node/internal/p2p/protocol"
)

const clusterSize = 3

type clusterNode struct {
	id     string
	node   *consensus.LocalNode
	srv    *httptest.Server
	client *p2papi.Client
}

func TestRevocationChainIntegration(t *testing.T) {
	nodes := newCluster(t)
	ctx := context.Background()

	root := item.NewContract(map[string]any{"amount": 100})
	waitApproved(t, nodes[0], root)
	for _, n := range nodes {
		waitState(t, n, root.ID(), item.StateApproved)
	}

	next := item.NewContract(map[string]any{"amount": 100}).AddRevoking(root.ID())
	waitApproved(t, nodes[1], next)
	for _, n := range nodes {
		waitState(t, n, root.ID(), item.StateRevoked)
		waitState(t, n, next.ID(), item.StateApproved)
	}

	status, err := nodes[2].client.Network(ctx)
	if err != nil {
		t.Fatalf("network status: %v", err)
	}
	if len(status.Nodes) != clusterSize || !status.HasQuorum {
		t.Fatalf("unexpected network status: %+v", status)
	}
	if status.LedgerRecords < 2 {
		t.Fatalf("ledger records = %d, want at least 2", status.LedgerRecords)
	}
}

func TestDoubleSpendIntegration(t *testing.T) {
	nodes := newCluster(t)
	ctx := context.Background()

	source := item.NewContract(map[string]any{"coin": 1})
	waitApproved(t, nodes[0], source)
	for _, n := range nodes {
		waitState(t, n, source.ID(), item.StateApproved)
	}

	spends := []*item.Item{
		item.NewContract(map[string]any{"to": "alice"}).AddRevoking(source.ID()),
		item.NewContract(map[string]any{"to": "bob"}).AddRevoking(source.ID()),
	}
	results := make([]item.Result, len(spends))
	var wg sync.WaitGroup
	for i, it := range spends {
		wg.Add(1)
		go func(i int, it *item.Item) {
			defer wg.Done()
			c := nodes[i].client
			if _, err := c.RegisterItem(ctx, it); err != nil {
				t.Errorf("register %d: %v", i, err)
				return
			}
			res, err := c.WaitItem(ctx, it.ID(), 20*time.Second)
			if err != nil {
				t.Errorf("wait %d: %v", i, err)
				return
			}
			results[i] = res
		}(i, it)
	}
	wg.Wait()

	approved := 0
	for _, res := range results {
		if res.State.IsApproved() {
			approved++
		}
	}
	if approved > 1 {
		t.Fatalf("both spends approved: %+v", results)
	}
	if approved == 1 {
		for _, n := range nodes {
			waitState(t, n, source.ID(), item.StateRevoked)
		}
	}
}

func TestStreamIntegration(t *testing.T) {
	nodes := newCluster(t)
	it := item.NewContract(map[string]any{"stream": "integration"})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	streamURL := fmt.Sprintf("%s%s/stream?items=%s", nodes[2].srv.URL, protocol.PathItems, it.ID())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, streamURL, nil)
	if err != nil {
		t.Fatalf("stream request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer resp.Body.Close()

	// the stream is on a voter, not on the submitting node
	if _, err := nodes[0].client.RegisterItem(ctx, it); err != nil {
		t.Fatalf("register: %v", err)
	}

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev protocol.ItemEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			t.Fatalf("invalid event: %v", err)
		}
		if ev.ItemID != it.ID() || ev.NodeID != nodes[2].id {
			t.Fatalf("unexpected event: %+v", ev)
		}
		if ev.Result.State != item.StateApproved {
			t.Fatalf("event state = %s, want APPROVED", ev.Result.State)
		}
		return
	}
	t.Fatalf("stream closed without event: %v", scanner.Err())
}

func newCluster(t *testing.T) []*clusterNode {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set; skipping integration tests")
	}

	nodes := make([]*clusterNode, clusterSize)
	networks := make([]*consensus.Network, clusterSize)
	for i := range nodes {
		id := fmt.Sprintf("node-%d", i)
		pool := newNodePool(t, dsn, fmt.Sprintf("ledger_node_%d", i))
		l, err := postgres.NewLedgerRepository(pool, id, 64, zerolog.Nop())
		if err != nil {
			t.Fatalf("ledger %s: %v", id, err)
		}
		networks[i] = consensus.NewNetwork(consensus.NetworkConfig{
			MaxElectionsTime: 5 * time.Second,
			RequeryPause:     50 * time.Millisecond,
		})
		metrics, err := consensus.NewMetrics(prometheus.NewRegistry())
		if err != nil {
			t.Fatalf("metrics: %v", err)
		}
		hub := sse.NewHub(id, zerolog.Nop())
		node, err := consensus.NewLocalNode(consensus.Config{NodeID: id}, networks[i], l, zerolog.Nop(),
			consensus.WithMetrics(metrics), consensus.WithPublisher(hub))
		if err != nil {
			t.Fatalf("node %s: %v", id, err)
		}
		if err := networks[i].RegisterNode(node); err != nil {
			t.Fatalf("register self: %v", err)
		}
		srv := httptest.NewServer(p2papi.NewServer(node, hub, nil, zerolog.Nop()).Router())
		t.Cleanup(srv.Close)
		t.Cleanup(hub.Stop)
		t.Cleanup(node.Shutdown)
		nodes[i] = &clusterNode{id: id, node: node, srv: srv, client: p2papi.NewClient(srv.URL, nil)}
	}
	for i := range nodes {
		for j, peer := range nodes {
			if i == j {
				continue
			}
			if err := networks[i].RegisterNode(p2papi.NewRemoteNode(peer.id, peer.srv.URL, nil)); err != nil {
				t.Fatalf("register peer: %v", err)
			}
		}
		if err := networks[i].SetConsensus(clusterSize, 2); err != nil {
			t.Fatalf("consensus: %v", err)
		}
	}
	return nodes
}

// newNodePool gives every node its own schema, each node owning a private
// ledger.
func newNodePool(t *testing.T, dsn, schema string) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	admin, err := postgres.NewPool(ctx, dsn, 2)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	defer admin.Close()
	if _, err := admin.Exec(ctx, `DROP SCHEMA IF EXISTS `+schema+` CASCADE`); err != nil {
		t.Fatalf("drop schema: %v", err)
	}
	if _, err := admin.Exec(ctx, `CREATE SCHEMA `+schema); err != nil {
		t.Fatalf("create schema: %v", err)
	}

	u, err := url.Parse(dsn)
	if err != nil {
		t.Fatalf("TEST_DATABASE_URL must be a URL: %v", err)
	}
	q := u.Query()
	q.Set("search_path", schema)
	u.RawQuery = q.Encode()

	pool, err := postgres.NewPool(ctx, u.String(), 8)
	if err != nil {
		t.Fatalf("pool %s: %v", schema, err)
	}
	t.Cleanup(pool.Close)

	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	root := filepath.Clean(filepath.Join(wd, "..", ".."))
	if err := postgres.RunMigrations(ctx, pool, filepath.Join(root, "internal", "migrations")); err != nil {
		t.Fatalf("migrations: %v", err)
	}
	return pool
}

func waitApproved(t *testing.T, n *clusterNode, it *item.Item) {
	t.Helper()
	ctx := context.Background()
	if _, err := n.client.RegisterItem(ctx, it); err != nil {
		t.Fatalf("register on %s: %v", n.id, err)
	}
	res, err := n.client.WaitItem(ctx, it.ID(), 20*time.Second)
	if err != nil {
		t.Fatalf("wait on %s: %v", n.id, err)
	}
	if res.State != item.StateApproved {
		t.Fatalf("item %s on %s = %s, want APPROVED", it.ID().Short(), n.id, res.State)
	}
}

func waitState(t *testing.T, n *clusterNode, id item.HashID, want item.State) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	var last item.State
	for time.Now().Before(deadline) {
		res, err := n.client.QueryItem(context.Background(), id)
		if err == nil {
			if res.State == want {
				return
			}
			last = res.State
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("item %s on %s = %s, want %s", id.Short(), n.id, last, want)
}
