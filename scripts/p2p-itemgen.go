package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/execution-hub/ledger-node/internal/domain/item"
	p2papi "github.com/execution-hub/ledger-node/internal/p2p/api"
)

type options struct {
	op          string
	nodes       string
	count       int
	concurrency int
	condition   string
	payloadJSON string
	revokeChain bool
	itemID      string
	timeout     time.Duration
}

type summary struct {
	Submitted int                `json:"submitted"`
	States    map[item.State]int `json:"states"`
	Failures  int                `json:"failures"`
	Elapsed   string             `json:"elapsed"`
}

func main() {
	var opt options

	flag.StringVar(&opt.op, "op", "register", "operation: register|query|network")
	flag.StringVar(&opt.nodes, "nodes", "http://127.0.0.1:18080", "comma-separated node base URLs; items are spread round-robin")
	flag.IntVar(&opt.count, "count", 1, "items to register")
	flag.IntVar(&opt.concurrency, "concurrency", 4, "parallel registrations")
	flag.StringVar(&opt.condition, "condition", "", "govaluate condition attached to each item")
	flag.StringVar(&opt.payloadJSON, "payload-json", "", "contract payload JSON object")
	flag.BoolVar(&opt.revokeChain, "revoke-chain", false, "register items sequentially, each revoking the previous one")
	flag.StringVar(&opt.itemID, "item-id", "", "item id for query")
	flag.DurationVar(&opt.timeout, "timeout", 10*time.Second, "per-item wait timeout")
	flag.Parse()

	urls := splitCSV(opt.nodes)
	if len(urls) == 0 {
		log.Fatal("at least one node is required")
	}
	clients := make([]*p2papi.Client, len(urls))
	for i, u := range urls {
		clients[i] = p2papi.NewClient(u, nil)
	}
	ctx := context.Background()

	var out any
	var err error
	switch strings.ToLower(strings.TrimSpace(opt.op)) {
	case "register":
		out, err = register(ctx, clients, opt)
	case "query":
		out, err = query(ctx, clients[0], opt.itemID)
	case "network":
		out, err = clients[0].Network(ctx)
	default:
		err = fmt.Errorf("unsupported op: %q", opt.op)
	}
	if err != nil {
		log.Fatal(err)
	}

	raw, err := json.Marshal(out)
	if err != nil {
		log.Fatal(err)
	}
	_, _ = os.Stdout.Write(append(raw, '\n'))
}

func register(ctx context.Context, clients []*p2papi.Client, opt options) (*summary, error) {
	payload, err := parsePayload(opt.payloadJSON)
	if err != nil {
		return nil, err
	}
	if opt.count < 1 {
		return nil, fmt.Errorf("count must be positive")
	}
	newItem := func(seq int) *item.Item {
		p := map[string]any{"seq": seq}
		for k, v := range payload {
			p[k] = v
		}
		it := item.NewContract(p)
		if opt.condition != "" {
			it.WithCondition(opt.condition)
		}
		return it
	}

	sum := &summary{States: make(map[item.State]int)}
	var mu sync.Mutex
	record := func(res item.Result, err error) {
		mu.Lock()
		defer mu.Unlock()
		sum.Submitted++
		if err != nil {
			sum.Failures++
			log.Printf("item failed: %v", err)
			return
		}
		sum.States[res.State]++
	}
	start := time.Now()

	if opt.revokeChain {
		var prev *item.Item
		for i := 0; i < opt.count; i++ {
			it := newItem(i)
			if prev != nil {
				it.AddRevoking(prev.ID())
			}
			res, err := submit(ctx, clients[i%len(clients)], it, opt.timeout)
			record(res, err)
			if err != nil || !res.State.IsApproved() {
				break
			}
			prev = it
		}
	} else {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(max(opt.concurrency, 1))
		for i := 0; i < opt.count; i++ {
			it := newItem(i)
			c := clients[i%len(clients)]
			g.Go(func() error {
				res, err := submit(gctx, c, it, opt.timeout)
				record(res, err)
				return nil
			})
		}
		_ = g.Wait()
	}

	sum.Elapsed = time.Since(start).String()
	return sum, nil
}

func submit(ctx context.Context, c *p2papi.Client, it *item.Item, timeout time.Duration) (item.Result, error) {
	if _, err := c.RegisterItem(ctx, it); err != nil {
		return item.Result{}, err
	}
	return c.WaitItem(ctx, it.ID(), timeout)
}

func query(ctx context.Context, c *p2papi.Client, raw string) (item.Result, error) {
	id, err := item.ParseHashID(strings.TrimSpace(raw))
	if err != nil {
		return item.Result{}, fmt.Errorf("item-id: %w", err)
	}
	return c.QueryItem(ctx, id)
}

func parsePayload(raw string) (map[string]any, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("payload-json must be a JSON object: %w", err)
	}
	return out, nil
}

func splitCSV(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
