package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/denim-research/denim-proxy/internal/buffermanager"
	"github.com/denim-research/denim-proxy/internal/keyengine"
	"github.com/denim-research/denim-proxy/internal/metrics"
	"github.com/denim-research/denim-proxy/internal/router"
	"github.com/denim-research/denim-proxy/internal/wire"
)

func silentLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newTestHandler() (*Handler, *router.BlockList) {
	log := silentLogger()
	blocks := router.NewBlockList()
	r := router.New(keyengine.New(), blocks, router.NewMessageIDProvider(), log)
	mgr := buffermanager.New(r, 0.1, log)
	m := metrics.NewMetricsWithRegistry(prometheus.NewRegistry())
	return NewHandler(mgr, blocks, log, m), blocks
}

func newTestRouter(h *Handler) *mux.Router {
	r := mux.NewRouter()
	h.RegisterRoutes(r)
	return r
}

func TestHealthEndpoints(t *testing.T) {
	h, _ := newTestHandler()
	r := newTestRouter(h)

	for _, path := range []string{"/health", "/ready", "/live"} {
		req := httptest.NewRequest("GET", path, nil)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		require.Equal(t, http.StatusOK, w.Code, path)
	}
}

func TestAccountStatsEndpoint(t *testing.T) {
	h, _ := newTestHandler()
	r := newTestRouter(h)

	acctHex := "01000000000000000000000000000000"[:32]
	req := httptest.NewRequest("GET", "/admin/accounts/"+acctHex+"/stats", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var resp accountStatsResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	require.Equal(t, 0, resp.SendingQueueDepth)
}

func TestAccountStatsEndpointRejectsMalformedID(t *testing.T) {
	h, _ := newTestHandler()
	r := newTestRouter(h)

	req := httptest.NewRequest("GET", "/admin/accounts/not-hex/stats", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestBlockAccountEndpoint(t *testing.T) {
	h, blocks := newTestHandler()
	r := newTestRouter(h)

	blocker := "01000000000000000000000000000000"[:32]
	target := "02000000000000000000000000000000"[:32]

	body, _ := json.Marshal(blockRequest{Target: target})
	req := httptest.NewRequest("POST", "/admin/accounts/"+blocker+"/block", bytes.NewReader(body))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusNoContent, w.Code)

	var blockerID, targetID wire.AccountID
	blockerID[0] = 1
	targetID[0] = 2
	require.True(t, blocks.IsBlocked(blockerID, targetID))
}

func TestGlobalStatsEndpoint(t *testing.T) {
	h, _ := newTestHandler()
	r := newTestRouter(h)

	req := httptest.NewRequest("GET", "/admin/stats", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var resp globalStatsResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	require.Equal(t, 0, resp.OpenReceiveBuffers)
}
