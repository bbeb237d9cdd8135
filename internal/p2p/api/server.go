package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/execution-hub/ledger-node/internal/domain/item"
	"github.com/execution-hub/ledger-node/internal/infrastructure/sse"
	"github.com/execution-hub/ledger-node/internal/p2p/consensus"
	"github.com/execution-hub/ledger-node/internal/p2p/protocol"
)

const (
	requestTimeout     = 30 * time.Second
	defaultWaitTimeout = 10 * time.Second
)

// Server exposes the peer, client and ops HTTP endpoints of a node.
type Server struct {
	node     *consensus.LocalNode
	hub      *sse.Hub
	gatherer prometheus.Gatherer
	logger   zerolog.Logger
}

func NewServer(node *consensus.LocalNode, hub *sse.Hub, gatherer prometheus.Gatherer, logger zerolog.Logger) *Server {
	return &Server{
		node:     node,
		hub:      hub,
		gatherer: gatherer,
		logger:   logger.With().Str("service", "api").Logger(),
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// streams outlive the request timeout
	if s.hub != nil {
		r.Get(protocol.PathItems+"/stream", s.streamItems)
	}

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(requestTimeout))

		r.Get("/healthz", s.healthz)
		if s.gatherer != nil {
			r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
		}
		r.Get(protocol.PathNetwork, s.networkStatus)

		r.Post(protocol.PathCheckItem, s.checkItem)
		r.Get(protocol.PathNodeItems+"/{itemId}", s.getNodeItem)

		r.Post(protocol.PathItems, s.registerItem)
		r.Get(protocol.PathItems+"/{itemId}", s.queryItem)
		r.Get(protocol.PathItems+"/{itemId}/wait", s.waitItem)
	})

	return r
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	network := s.node.Network()
	respondJSON(w, http.StatusOK, map[string]any{
		"ok":        true,
		"nodeId":    s.node.ID(),
		"hasQuorum": network.HasQuorum(),
	})
}

func (s *Server) networkStatus(w http.ResponseWriter, r *http.Request) {
	network := s.node.Network()
	status := protocol.NetworkStatus{
		NodeID:            s.node.ID(),
		PositiveConsensus: network.PositiveConsensus(),
		NegativeConsensus: network.NegativeConsensus(),
		HasQuorum:         network.HasQuorum(),
		ActiveElections:   s.node.ActiveElections(),
	}
	for _, n := range network.AllNodes() {
		status.Nodes = append(status.Nodes, n.ID())
	}
	count, err := s.node.Ledger().CountRecords(r.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("count ledger records")
	}
	status.LedgerRecords = count
	respondJSON(w, http.StatusOK, status)
}

func (s *Server) checkItem(w http.ResponseWriter, r *http.Request) {
	var req protocol.CheckItemRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, protocol.CodeInvalidParam, err.Error())
		return
	}
	if err := req.ValidateBasic(); err != nil {
		respondError(w, http.StatusBadRequest, protocol.CodeInvalidParam, err.Error())
		return
	}
	res, err := s.node.CheckItem(r.Context(), req.CallerID, req.ItemID, req.State, req.HaveCopy)
	if err != nil {
		s.respondNodeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) getNodeItem(w http.ResponseWriter, r *http.Request) {
	id, ok := parseItemID(w, r)
	if !ok {
		return
	}
	it, err := s.node.GetItem(r.Context(), id)
	if err != nil {
		s.respondNodeError(w, err)
		return
	}
	if it == nil {
		respondError(w, http.StatusNotFound, protocol.CodeNotFound, "item not held by this node")
		return
	}
	respondJSON(w, http.StatusOK, it)
}

func (s *Server) registerItem(w http.ResponseWriter, r *http.Request) {
	var it item.Item
	if err := decodeBody(r, &it); err != nil {
		respondError(w, http.StatusBadRequest, protocol.CodeInvalidParam, err.Error())
		return
	}
	if err := it.Validate(); err != nil {
		respondError(w, http.StatusBadRequest, protocol.CodeInvalidParam, err.Error())
		return
	}
	info, _, err := s.node.RegisterItem(r.Context(), &it)
	if err != nil {
		s.respondNodeError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, info)
}

func (s *Server) queryItem(w http.ResponseWriter, r *http.Request) {
	id, ok := parseItemID(w, r)
	if !ok {
		return
	}
	res, err := s.node.QueryItem(r.Context(), id)
	if err != nil {
		s.respondNodeError(w, err)
		return
	}
	if res == nil {
		respondError(w, http.StatusNotFound, protocol.CodeNotFound, "item not found")
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) waitItem(w http.ResponseWriter, r *http.Request) {
	id, ok := parseItemID(w, r)
	if !ok {
		return
	}
	timeout := defaultWaitTimeout
	if raw := strings.TrimSpace(r.URL.Query().Get("timeout")); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			respondError(w, http.StatusBadRequest, protocol.CodeInvalidParam, "invalid timeout")
			return
		}
		timeout = min(d, requestTimeout)
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	res, err := s.node.WaitForItem(ctx, id)
	if err != nil {
		s.respondNodeError(w, err)
		return
	}
	if res == nil {
		respondError(w, http.StatusNotFound, protocol.CodeNotFound, "item not found")
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) streamItems(w http.ResponseWriter, r *http.Request) {
	var items []item.HashID
	for _, raw := range splitCSV(r.URL.Query().Get("items")) {
		id, err := item.ParseHashID(raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, protocol.CodeInvalidParam, "invalid item id: "+raw)
			return
		}
		items = append(items, id)
	}
	clientID := strings.TrimSpace(r.URL.Query().Get("client_id"))
	if clientID == "" {
		clientID = uuid.NewString()
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, protocol.CodeInternal, "streaming not supported")
		return
	}

	client := sse.NewClient(clientID, items)
	s.hub.Register(client)
	defer s.hub.Unregister(client)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(": connected\n\n"))
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case msg, open := <-client.MessageChan:
			if !open {
				return
			}
			_, _ = w.Write([]byte("id: " + msg.ID + "\nevent: " + msg.Event + "\ndata: "))
			_, _ = w.Write(msg.Data)
			_, _ = w.Write([]byte("\n\n"))
			flusher.Flush()
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) respondNodeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, consensus.ErrElectionConflict):
		respondError(w, http.StatusConflict, protocol.CodeElectionConflict, err.Error())
	case errors.Is(err, consensus.ErrNodeClosed):
		respondError(w, http.StatusServiceUnavailable, protocol.CodeNodeClosed, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		respondError(w, http.StatusGatewayTimeout, protocol.CodeTimeout, "item still pending")
	default:
		s.logger.Error().Err(err).Msg("request failed")
		respondError(w, http.StatusInternalServerError, protocol.CodeInternal, err.Error())
	}
}

func parseItemID(w http.ResponseWriter, r *http.Request) (item.HashID, bool) {
	id, err := item.ParseHashID(strings.TrimSpace(chi.URLParam(r, "itemId")))
	if err != nil {
		respondError(w, http.StatusBadRequest, protocol.CodeInvalidParam, "invalid itemId")
		return item.HashID{}, false
	}
	return id, true
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

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, protocol.ErrorResponse{Error: code, Message: message})
}
