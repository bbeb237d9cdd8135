package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/execution-hub/ledger-node/internal/domain/item"
	"github.com/execution-hub/ledger-node/internal/p2p/protocol"
)

const DefaultClientTimeout = 5 * time.Second

// Client calls a node's HTTP API.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultClientTimeout}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: httpClient}
}

// RegisterItem submits it for consensus and returns the node's first answer.
func (c *Client) RegisterItem(ctx context.Context, it *item.Item) (item.Info, error) {
	var info item.Info
	err := c.do(ctx, http.MethodPost, protocol.PathItems, it, &info)
	return info, err
}

// QueryItem returns protocol.ErrNotFound when the node's ledger has no record.
func (c *Client) QueryItem(ctx context.Context, id item.HashID) (item.Result, error) {
	var res item.Result
	err := c.do(ctx, http.MethodGet, protocol.PathItems+"/"+id.String(), nil, &res)
	return res, err
}

// WaitItem blocks on the node until the item's election closes or timeout
// passes.
func (c *Client) WaitItem(ctx context.Context, id item.HashID, timeout time.Duration) (item.Result, error) {
	var res item.Result
	path := protocol.PathItems + "/" + id.String() + "/wait?timeout=" + url.QueryEscape(timeout.String())
	err := c.do(ctx, http.MethodGet, path, nil, &res)
	return res, err
}

func (c *Client) Network(ctx context.Context) (protocol.NetworkStatus, error) {
	var status protocol.NetworkStatus
	err := c.do(ctx, http.MethodGet, protocol.PathNetwork, nil, &status)
	return status, err
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%s %s: %w", method, path, protocol.ErrNotFound)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var e protocol.ErrorResponse
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(raw, &e) != nil || e.Error == "" {
			e = protocol.ErrorResponse{Error: resp.Status, Message: strings.TrimSpace(string(raw))}
		}
		return fmt.Errorf("%s %s: %s", method, path, e)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// RemoteNode is a peer reached over HTTP.
type RemoteNode struct {
	id     string
	client *Client
}

func NewRemoteNode(id, baseURL string, httpClient *http.Client) *RemoteNode {
	return &RemoteNode{id: id, client: NewClient(baseURL, httpClient)}
}

func (n *RemoteNode) ID() string { return n.id }

func (n *RemoteNode) CheckItem(ctx context.Context, callerID string, itemID item.HashID, state item.State, haveCopy bool) (item.Result, error) {
	var res item.Result
	err := n.client.do(ctx, http.MethodPost, protocol.PathCheckItem, protocol.CheckItemRequest{
		CallerID: callerID,
		ItemID:   itemID,
		State:    state,
		HaveCopy: haveCopy,
	}, &res)
	return res, err
}

// GetItem returns nil, nil when the peer does not hold the item.
func (n *RemoteNode) GetItem(ctx context.Context, itemID item.HashID) (*item.Item, error) {
	var raw json.RawMessage
	err := n.client.do(ctx, http.MethodGet, protocol.PathNodeItems+"/"+itemID.String(), nil, &raw)
	if err != nil {
		if errors.Is(err, protocol.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return item.Decode(raw)
}
