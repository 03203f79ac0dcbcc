// ABOUTME: HTTP API handlers for function registration, Lua calls, stats and ledger queries.
// ABOUTME: Every failure is answered with HTTP 500 and a structured protocol error body.

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/2389/vox-gateway/internal/auth"
	"github.com/2389/vox-gateway/internal/connector"
	"github.com/2389/vox-gateway/internal/functions"
	"github.com/2389/vox-gateway/internal/protocol"
	"github.com/2389/vox-gateway/internal/sse"
	"github.com/2389/vox-gateway/internal/store"
)

const maxBodyBytes = 1 << 20

// RegisterRequest is the JSON body for POST /external/register.
type RegisterRequest struct {
	Name        string   `json:"name"`
	URL         string   `json:"url"`
	Async       bool     `json:"async"`
	Timeout     *float64 `json:"timeout,omitempty"`
	Description string   `json:"description,omitempty"`
}

// LuaCallRequest is the JSON body for POST /lua/call.
type LuaCallRequest struct {
	Function string `json:"function"`
	Args     any    `json:"args,omitempty"`
	// Timeout is in milliseconds; zero uses native.request_timeout.
	Timeout int64 `json:"timeout,omitempty"`
}

// StatsResponse is the JSON response for GET /stats.
type StatsResponse struct {
	SSE       sse.Stats       `json:"sse"`
	DLL       connector.Stats `json:"dll"`
	Functions functions.Stats `json:"functions"`
}

// CallResponse is one row of GET /external/calls.
type CallResponse struct {
	CallID       string `json:"callId"`
	FunctionName string `json:"functionName"`
	Mode         string `json:"mode"`
	Success      bool   `json:"success"`
	ErrorCode    string `json:"errorCode,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`
	DurationMs   int64  `json:"durationMs"`
	StartedAt    string `json:"startedAt"`
}

// Handler returns the gateway's HTTP handler with auth applied when configured.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /health/ready", g.handleReady)

	mux.HandleFunc("POST /external/register", g.handleRegister)
	mux.HandleFunc("DELETE /external/register/{name}", g.handleUnregister)
	mux.HandleFunc("GET /external/functions", g.handleListFunctions)
	mux.HandleFunc("POST /lua/call", g.handleLuaCall)
	mux.HandleFunc("GET /lua/functions", g.handleLuaFunctions)
	mux.Handle("GET /events", g.hub)
	mux.HandleFunc("GET /stats", g.handleStats)
	mux.HandleFunc("GET /status", g.handleStatus)

	if g.ledger != nil {
		mux.HandleFunc("GET /events/history", g.handleEventHistory)
		mux.HandleFunc("GET /external/calls", g.handleListCalls)
	}

	public := []string{"/health", "/health/ready"}
	if g.config.Metrics.Enabled {
		gatherers := prometheus.Gatherers{prometheus.DefaultGatherer, g.metricsRegistry}
		mux.Handle("GET "+g.config.Metrics.Path, promhttp.HandlerFor(gatherers, promhttp.HandlerOpts{}))
		public = append(public, g.config.Metrics.Path)
	}

	if g.verifier == nil {
		g.logger.Warn("HTTP auth disabled - no jwt_secret configured")
		return mux
	}
	g.logger.Info("HTTP auth middleware enabled")
	return auth.Middleware(g.verifier, g.logger, public...)(mux)
}

// writeJSON writes v with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeResponse maps a protocol Response onto HTTP: 200 on success, 500 otherwise.
func writeResponse(w http.ResponseWriter, resp protocol.Response) {
	status := http.StatusOK
	if !resp.Success {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, resp)
}

func writeError(w http.ResponseWriter, err error) {
	var perr *protocol.Error
	if !errors.As(err, &perr) {
		perr = protocol.Errorf(protocol.CodeNetworkError, "%v", err)
	}
	writeResponse(w, protocol.FailWith(perr))
}

func decodeBody(r *http.Request, v any) error {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return protocol.Errorf(protocol.CodeInvalidArguments, "Could not read request body: %v", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return protocol.Errorf(protocol.CodeInvalidArguments, "Invalid JSON body: %v", err)
	}
	return nil
}

func queryLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, protocol.Errorf(protocol.CodeInvalidArguments, "limit must be a positive integer, got %q", raw)
	}
	return n, nil
}

// handleRegister handles POST /external/register.
func (g *Gateway) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	fn, err := g.dispatcher.Register(functions.Registration{
		Name:        req.Name,
		URL:         req.URL,
		Async:       req.Async,
		TimeoutMs:   req.Timeout,
		Description: req.Description,
	})
	if err != nil {
		g.logger.Warn("function registration rejected", "name", req.Name, "error", err)
		writeError(w, err)
		return
	}
	writeResponse(w, protocol.OK(fn))
}

// handleUnregister handles DELETE /external/register/{name}.
func (g *Gateway) handleUnregister(w http.ResponseWriter, r *http.Request) {
	if err := g.dispatcher.Unregister(r.PathValue("name")); err != nil {
		writeError(w, err)
		return
	}
	writeResponse(w, protocol.OK(nil))
}

// handleListFunctions handles GET /external/functions.
func (g *Gateway) handleListFunctions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"functions": g.registry.List()})
}

// handleLuaCall handles POST /lua/call by forwarding a lua_call to the game.
func (g *Gateway) handleLuaCall(w http.ResponseWriter, r *http.Request) {
	var req LuaCallRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Function == "" {
		writeError(w, protocol.Errorf(protocol.CodeInvalidArguments, "function is required"))
		return
	}
	if req.Timeout < 0 {
		writeError(w, protocol.Errorf(protocol.CodeInvalidArguments, "timeout must be a positive integer"))
		return
	}

	args := req.Args
	if args == nil {
		args = []any{}
	}
	msg := protocol.NewMessage(protocol.TypeLuaCall, map[string]any{
		"function": req.Function,
		"args":     args,
	})
	writeResponse(w, g.connector.Send(msg, time.Duration(req.Timeout)*time.Millisecond))
}

// handleLuaFunctions handles GET /lua/functions.
func (g *Gateway) handleLuaFunctions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"functions": g.LuaFunctions()})
}

// Stats returns the counters served on GET /stats.
func (g *Gateway) Stats() StatsResponse {
	return StatsResponse{
		SSE:       g.hub.Stats(),
		DLL:       g.connector.Stats(),
		Functions: g.registry.Stats(),
	}
}

// handleStats handles GET /stats.
func (g *Gateway) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, g.Stats())
}

// handleEventHistory handles GET /events/history.
func (g *Gateway) handleEventHistory(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r)
	if err != nil {
		writeError(w, err)
		return
	}
	events, err := g.ledger.ListGameEvents(r.Context(), limit)
	if err != nil {
		g.logger.Error("failed to read event history", "error", err)
		writeError(w, fmt.Errorf("reading event history: %w", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

// handleListCalls handles GET /external/calls.
func (g *Gateway) handleListCalls(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r)
	if err != nil {
		writeError(w, err)
		return
	}
	records, err := g.ledger.ListCalls(r.Context(), store.CallFilter{
		FunctionName: r.URL.Query().Get("function"),
		Limit:        limit,
	})
	if err != nil {
		g.logger.Error("failed to read call ledger", "error", err)
		writeError(w, fmt.Errorf("reading call ledger: %w", err))
		return
	}

	calls := make([]CallResponse, 0, len(records))
	for _, rec := range records {
		calls = append(calls, CallResponse{
			CallID:       rec.CallID,
			FunctionName: rec.FunctionName,
			Mode:         string(rec.Mode),
			Success:      rec.Success,
			ErrorCode:    string(rec.ErrorCode),
			ErrorMessage: rec.ErrorMessage,
			DurationMs:   rec.Duration.Milliseconds(),
			StartedAt:    rec.StartedAt.UTC().Format(time.RFC3339Nano),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"calls": calls})
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK while the native process is connected.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if !g.connector.IsConnected() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = fmt.Fprintf(w, "native process not connected (%s)", g.connector.State())
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d functions)", g.registry.Stats().RegisteredFunctions)
}
