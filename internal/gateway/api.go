package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/CosmoTheDev/ctrlscan-relay/internal/activity"
	"github.com/CosmoTheDev/ctrlscan-relay/internal/relayerr"
	"github.com/CosmoTheDev/ctrlscan-relay/internal/tracker"
)

const (
	defaultActivityLimit = 50
	readyPingTimeout     = 5 * time.Second
)

// buildHandler wires all routes onto a standard library ServeMux (Go 1.22+
// pattern syntax) and wraps it with request logging.
func buildHandler(gw *Gateway) http.Handler {
	mux := http.NewServeMux()

	// Root/help
	mux.HandleFunc("GET /{$}", gw.handleRoot)

	// Webhook
	mux.HandleFunc("POST /webhook", gw.rateLimit(gw.handleWebhook))
	mux.HandleFunc("GET /webhook", gw.rateLimit(gw.handleWebhookCheck))
	mux.HandleFunc("OPTIONS /webhook", gw.handleWebhookPreflight)

	// Health / monitoring
	mux.HandleFunc("GET /health", gw.handleHealth)
	mux.HandleFunc("GET /ready", gw.handleReady)
	mux.HandleFunc("/ping", gw.handlePing)
	mux.HandleFunc("GET /metrics", gw.handleMetrics)

	// Activity API
	mux.HandleFunc("GET /api/activity", gw.requireAPIKey(gw.handleActivity))
	mux.HandleFunc("GET /api/activities", gw.requireAPIKey(gw.handleActivity))
	mux.HandleFunc("GET /api/stats", gw.requireAPIKey(gw.handleStats))
	mux.HandleFunc("GET /api/config", gw.requireAPIKey(gw.handleGetConfig))
	mux.HandleFunc("POST /api/test", gw.requireAPIKey(gw.handleTestTracker))
	mux.HandleFunc("POST /api/retention/run", gw.requireAPIKey(gw.handleRunRetention))

	// SSE stream
	mux.HandleFunc("GET /events", gw.requireAPIKey(gw.handleEvents))

	return logRequests(mux)
}

func (gw *Gateway) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":       "ctrlscan relay",
		"status":     "running",
		"configured": gw.relay != nil,
		"endpoints": []string{
			"POST /webhook",
			"GET /health",
			"GET /ready",
			"GET /ping",
			"GET /metrics",
			"GET /api/activity",
			"GET /api/stats",
			"GET /api/config",
			"POST /api/test",
			"GET /events",
		},
	})
}

// handleWebhook reads the body under the size limit and hands it to the relay.
func (gw *Gateway) handleWebhook(w http.ResponseWriter, r *http.Request) {
	gw.metrics.webhooks.Inc()
	ip := clientIP(r)
	slog.Info("gateway: webhook received", "ip", ip, "bytes", r.ContentLength)

	if gw.relay == nil {
		writeRelayError(w, relayerr.NotConfigured(gw.cfg.Validate()))
		return
	}

	limitKB := gw.cfg.Webhook.MaxPayloadKB
	limit := int64(limitKB) * 1024
	if limit > 0 && r.ContentLength > limit {
		gw.metrics.payloadTooLarge.Inc()
		writeRelayError(w, relayerr.PayloadTooLarge(limitKB))
		return
	}
	reader := io.Reader(r.Body)
	if limit > 0 {
		reader = http.MaxBytesReader(w, r.Body, limit)
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			gw.metrics.payloadTooLarge.Inc()
			writeRelayError(w, relayerr.PayloadTooLarge(limitKB))
			return
		}
		writeRelayError(w, relayerr.Validation("could not read request body", map[string]any{"cause": err.Error()}))
		return
	}
	header := gw.cfg.Webhook.SignatureHeader
	if header == "" {
		header = "X-Semgrep-Signature-256"
	}
	summary, err := gw.relay.Handle(r.Context(), body, r.Header.Get(header))
	if err != nil {
		writeRelayError(w, err)
		return
	}
	gw.broadcaster.send(SSEEvent{Type: "webhook.processed", Payload: map[string]any{
		"received":          summary.Received,
		"created":           summary.Created,
		"skipped_duplicate": summary.SkippedDuplicate,
		"errors":            summary.Errors,
	}})
	writeJSON(w, http.StatusOK, summary)
}

// handleWebhookCheck answers connectivity tests from the Semgrep UI.
func (gw *Gateway) handleWebhookCheck(w http.ResponseWriter, r *http.Request) {
	slog.Info("gateway: webhook connectivity test", "ip", clientIP(r))
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"message":    "webhook endpoint is active",
		"method":     http.MethodGet,
		"configured": gw.relay != nil,
		"info":       "send POST requests with Semgrep findings to create tickets",
	})
}

func (gw *Gateway) handleWebhookPreflight(w http.ResponseWriter, r *http.Request) {
	header := gw.cfg.Webhook.SignatureHeader
	if header == "" {
		header = "X-Semgrep-Signature-256"
	}
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Content-Type, "+header)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleHealth is the liveness check; it never fails while the process serves.
func (gw *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"configured": gw.relay != nil,
	})
}

// handleReady fails closed when required settings are missing. With
// ?check=tracker it also pings the tracker.
func (gw *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if missing := gw.cfg.Validate(); len(missing) > 0 || gw.relay == nil {
		writeJSON(w, http.StatusServiceUnavailable, readyResponse{Reason: "not_configured", Missing: missing})
		return
	}
	if r.URL.Query().Get("check") != "tracker" || gw.tracker == nil {
		writeJSON(w, http.StatusOK, readyResponse{Ready: true})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), readyPingTimeout)
	defer cancel()
	name := gw.tracker.Name()
	if err := gw.tracker.Ping(ctx); err != nil {
		reason := "tracker_error"
		var apiErr *tracker.APIError
		if errors.As(err, &apiErr) {
			reason = "tracker_disconnected"
		}
		slog.Warn("gateway: readiness tracker check failed", "tracker", name, "error", err)
		writeJSON(w, http.StatusServiceUnavailable, readyResponse{Reason: reason, Tracker: name})
		return
	}
	writeJSON(w, http.StatusOK, readyResponse{Ready: true, Tracker: name})
}

func (gw *Gateway) handlePing(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "message": "pong"})
}

// activityResponse is the GET /api/activity body.
type activityResponse struct {
	Activities []activity.Entry `json:"activities"`
	Stats      ActivityStatus   `json:"stats"`
	Source     string           `json:"source"`
}

// handleActivity lists recent entries, newest first. ?source=history reads
// the persisted table instead of the in-memory ring; ?outcome= filters.
func (gw *Gateway) handleActivity(w http.ResponseWriter, r *http.Request) {
	capacity := gw.activity.Stats().Capacity
	limit := queryInt(r, "limit", defaultActivityLimit, capacity)
	outcome := activity.Outcome(strings.TrimSpace(r.URL.Query().Get("outcome")))

	resp := activityResponse{Stats: activityStatus(gw.activity.Stats()), Source: "memory"}

	if r.URL.Query().Get("source") == "history" {
		if gw.history == nil {
			writeError(w, http.StatusNotFound, "activity persistence is disabled")
			return
		}
		entries, err := gw.history.Recent(r.Context(), queryInt(r, "limit", defaultActivityLimit, 1000), outcome)
		if err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("reading activity history: %v", err))
			return
		}
		resp.Activities = entries
		resp.Source = "history"
		writeJSON(w, http.StatusOK, resp)
		return
	}

	if outcome == "" {
		resp.Activities = gw.activity.Recent(limit)
	} else {
		all := gw.activity.Recent(capacity)
		resp.Activities = make([]activity.Entry, 0, limit)
		for _, e := range all {
			if e.Outcome != outcome {
				continue
			}
			resp.Activities = append(resp.Activities, e)
			if len(resp.Activities) == limit {
				break
			}
		}
	}
	if resp.Activities == nil {
		resp.Activities = []activity.Entry{}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (gw *Gateway) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, gw.currentStatus())
}

func (gw *Gateway) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, gw.cfg.Redacted())
}

// handleTestTracker verifies tracker credentials on demand.
func (gw *Gateway) handleTestTracker(w http.ResponseWriter, r *http.Request) {
	if gw.tracker == nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"status":     "error",
			"message":    "integration not configured",
			"configured": false,
			"missing":    gw.cfg.Validate(),
		})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), readyPingTimeout)
	defer cancel()
	if err := gw.tracker.Ping(ctx); err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"status":     "error",
			"message":    fmt.Sprintf("%s connection failed: %v", gw.tracker.Name(), err),
			"configured": true,
			"connected":  false,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "success",
		"message":     "integration is working",
		"configured":  true,
		"connected":   true,
		"tracker":     gw.tracker.Name(),
		"webhook_url": webhookURL(r),
	})
}

func (gw *Gateway) handleRunRetention(w http.ResponseWriter, r *http.Request) {
	if !gw.scheduler.enabled() {
		writeError(w, http.StatusConflict, "activity retention is disabled")
		return
	}
	if err := gw.scheduler.RunNow(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "pruned"})
}

// webhookURL reconstructs the public webhook address from the request.
func webhookURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		scheme = "https"
	}
	host := r.Host
	if fwd := r.Header.Get("X-Forwarded-Host"); fwd != "" {
		host = fwd
	}
	return scheme + "://" + host + "/webhook"
}

// handleEvents streams SSE to the client. Each line is a JSON SSEEvent.
// Clients receive a "connected" event immediately, then live updates.
func (gw *Gateway) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // disable nginx buffering if behind a proxy

	ch := gw.broadcaster.subscribe()
	defer gw.broadcaster.unsubscribe(ch)

	connected, _ := json.Marshal(SSEEvent{Type: "connected", Payload: gw.currentStatus()})
	// SSE endpoint writes JSON event frames, not HTML.
	// nosemgrep: go.lang.security.audit.xss.no-direct-write-to-responsewriter.no-direct-write-to-responsewriter
	_, _ = w.Write(sseFrame(connected))
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case frame, ok := <-ch:
			if !ok {
				return
			}
			// nosemgrep: go.lang.security.audit.xss.no-direct-write-to-responsewriter.no-direct-write-to-responsewriter
			_, _ = w.Write(frame)
			flusher.Flush()
		}
	}
}
