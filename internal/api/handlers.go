package api

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/denim-research/denim-proxy/internal/buffermanager"
	"github.com/denim-research/denim-proxy/internal/metrics"
	"github.com/denim-research/denim-proxy/internal/router"
	"github.com/denim-research/denim-proxy/internal/wire"
)

var errInvalidAccountID = errors.New("api: account id must be 32 hex characters")

// Handler serves the proxy's admin and health HTTP surface, separate from
// the WebSocket transport that carries client traffic.
type Handler struct {
	buffers *buffermanager.Manager
	blocks  *router.BlockList
	logger  *logrus.Logger
	metrics *metrics.Metrics
}

// NewHandler creates a new API handler.
func NewHandler(buffers *buffermanager.Manager, blocks *router.BlockList, logger *logrus.Logger, m *metrics.Metrics) *Handler {
	return &Handler{
		buffers: buffers,
		blocks:  blocks,
		logger:  logger,
		metrics: m,
	}
}

// RegisterRoutes registers all admin routes.
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/health", h.handleHealth).Methods("GET")
	r.HandleFunc("/ready", h.handleReady).Methods("GET")
	r.HandleFunc("/live", h.handleLive).Methods("GET")

	admin := r.PathPrefix("/admin").Subrouter()
	admin.HandleFunc("/accounts/{account}/stats", h.handleAccountStats).Methods("GET")
	admin.HandleFunc("/accounts/{account}/block", h.handleBlockAccount).Methods("POST")
	admin.HandleFunc("/stats", h.handleGlobalStats).Methods("GET")
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	metrics.HealthHandler()(w, r)
	h.metrics.ObserveFrameDuration("health", time.Since(start))
}

func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) {
	metrics.ReadinessHandler(nil)(w, r)
}

func (h *Handler) handleLive(w http.ResponseWriter, r *http.Request) {
	metrics.LivenessHandler()(w, r)
}

// accountStatsResponse reports the buffer-manager occupancy for one account.
type accountStatsResponse struct {
	Account           string `json:"account"`
	SendingQueueDepth int    `json:"sending_queue_depth"`
}

// handleAccountStats reports per-account sending-queue depth, surfaced for
// operators diagnosing unbounded queue growth.
func (h *Handler) handleAccountStats(w http.ResponseWriter, r *http.Request) {
	acct, err := parseAccountID(mux.Vars(r)["account"])
	if err != nil {
		http.Error(w, "invalid account id", http.StatusBadRequest)
		return
	}

	resp := accountStatsResponse{
		Account:           mux.Vars(r)["account"],
		SendingQueueDepth: h.buffers.SendingQueueDepth(acct),
	}
	h.metrics.SetSendingQueueDepth(resp.Account, resp.SendingQueueDepth)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// blockRequest is the admin-initiated block (distinct from the deniable
// client-initiated BlockRequest message routed through the protocol itself).
type blockRequest struct {
	Target string `json:"target"`
}

func (h *Handler) handleBlockAccount(w http.ResponseWriter, r *http.Request) {
	blocker, err := parseAccountID(mux.Vars(r)["account"])
	if err != nil {
		http.Error(w, "invalid account id", http.StatusBadRequest)
		return
	}

	var req blockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	target, err := parseAccountID(req.Target)
	if err != nil {
		http.Error(w, "invalid target account id", http.StatusBadRequest)
		return
	}

	h.blocks.Block(blocker, target)
	h.logger.WithFields(logrus.Fields{"blocker": mux.Vars(r)["account"], "target": req.Target}).
		Info("api: account blocked via admin endpoint")
	w.WriteHeader(http.StatusNoContent)
}

type globalStatsResponse struct {
	OpenReceiveBuffers int `json:"open_receive_buffers"`
}

func (h *Handler) handleGlobalStats(w http.ResponseWriter, r *http.Request) {
	resp := globalStatsResponse{OpenReceiveBuffers: h.buffers.OpenMessageCount()}
	h.metrics.SetOpenReceiveBuffers(resp.OpenReceiveBuffers)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// parseAccountID accepts a 32-character hex string and decodes it into a
// wire.AccountID. Account provisioning/identity lookup is out of scope; this
// only interprets the opaque identifier already used on the wire.
func parseAccountID(s string) (wire.AccountID, error) {
	var id wire.AccountID
	decoded, err := hex.DecodeString(s)
	if err != nil || len(decoded) != len(id) {
		return id, errInvalidAccountID
	}
	copy(id[:], decoded)
	return id, nil
}
