// ABOUTME: Dispatches external_call frames from the native process to registered HTTP functions.
// ABOUTME: Publishes exactly one external_response per call id through the connector.

package functions

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"net/http"
	"sync"
	"time"

	"github.com/2389/vox-gateway/internal/connector"
	"github.com/2389/vox-gateway/internal/metrics"
	"github.com/2389/vox-gateway/internal/protocol"
)

// maxResponseBytes bounds how much of a callee's body is read.
const maxResponseBytes = 4 << 20

// Link is the Dispatcher's view of the Connector.
type Link interface {
	SendNoWait(msg protocol.Message) protocol.Response
	IsConnected() bool
	Subscribe(topic connector.Topic, h connector.Handler) func()
}

// Deduper remembers call ids. *dedupe.Cache satisfies it.
type Deduper interface {
	CheckAndMark(key string) bool
	// Reset forgets every id. Call ids are only unique within one native
	// session, so the set is cleared whenever the link goes down or comes up.
	Reset()
}

// CallRecord describes one completed dispatch.
type CallRecord struct {
	CallID       string
	FunctionName string
	Mode         Mode
	Success      bool
	ErrorCode    protocol.ErrorCode
	ErrorMessage string
	Duration     time.Duration
	StartedAt    time.Time
}

// CallRecorder receives a record of every completed dispatch.
type CallRecorder interface {
	RecordCall(rec CallRecord)
}

// Call is the context of one inbound external_call.
type Call struct {
	ID           string
	FunctionName string
	Args         any
	Mode         Mode
	IssuedAt     time.Time
}

// CallFromMessage extracts a Call from an external_call frame.
func CallFromMessage(msg protocol.Message) Call {
	mode := Mode(msg.String("mode"))
	if mode != ModeAsync {
		mode = ModeSync
	}
	args, ok := msg["args"]
	if !ok || args == nil {
		args = map[string]any{}
	}
	return Call{
		ID:           msg.ID(),
		FunctionName: msg.String("functionName"),
		Args:         args,
		Mode:         mode,
		IssuedAt:     time.Now(),
	}
}

// DispatcherConfig configures a Dispatcher.
type DispatcherConfig struct {
	Registry *Registry
	Link     Link
	Logger   *slog.Logger
	// HTTPClient performs calls. Its own Timeout should be zero; the per-function
	// deadline is applied through the request context.
	HTTPClient *http.Client
	Dedupe     Deduper
	Recorder   CallRecorder
}

// Dispatcher turns external_call frames into HTTP calls.
type Dispatcher struct {
	registry *Registry
	link     Link
	logger   *slog.Logger
	client   *http.Client
	dedupe   Deduper
	recorder CallRecorder

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	unsubs []func()
}

// NewDispatcher creates a Dispatcher. Call Start to attach it to the Link.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		registry: cfg.Registry,
		link:     cfg.Link,
		logger:   logger.With("component", "dispatcher"),
		client:   client,
		dedupe:   cfg.Dedupe,
		recorder: cfg.Recorder,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start subscribes to external_call, connected and disconnected. Every
// connected event re-announces the registry; both link transitions start a
// fresh call-id session.
func (d *Dispatcher) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.unsubs = append(d.unsubs,
		d.link.Subscribe(connector.TopicExternalCall, d.HandleCall),
		d.link.Subscribe(connector.TopicConnected, func(protocol.Message) {
			d.resetSeenCalls()
			n := d.ReregisterAll()
			d.logger.Info("re-announced functions to native process", "count", n)
		}),
		d.link.Subscribe(connector.TopicDisconnected, func(protocol.Message) {
			d.resetSeenCalls()
		}),
	)
}

func (d *Dispatcher) resetSeenCalls() {
	if d.dedupe != nil {
		d.dedupe.Reset()
	}
}

// Close detaches from the Link, cancels in-flight calls and waits for them to
// publish their responses.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	unsubs := d.unsubs
	d.unsubs = nil
	d.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
	d.cancel()
	d.wg.Wait()
}

// Registry returns the underlying registry.
func (d *Dispatcher) Registry() *Registry {
	return d.registry
}

// Register adds a function and announces it when the native process is connected.
func (d *Dispatcher) Register(reg Registration) (Function, error) {
	fn, err := d.registry.Register(reg)
	if err != nil {
		return Function{}, err
	}
	if d.link.IsConnected() {
		d.link.SendNoWait(registerMessage(fn))
	}
	return fn, nil
}

// Unregister removes a function and tells the native process when connected.
func (d *Dispatcher) Unregister(name string) error {
	if err := d.registry.Unregister(name); err != nil {
		return err
	}
	if d.link.IsConnected() {
		d.link.SendNoWait(protocol.NewMessage(protocol.TypeExternalUnregister, map[string]any{"name": name}))
	}
	return nil
}

// ReregisterAll sends one external_register per registered function and returns
// how many were accepted by the Link.
func (d *Dispatcher) ReregisterAll() int {
	sent := 0
	for _, fn := range d.registry.List() {
		if resp := d.link.SendNoWait(registerMessage(fn)); resp.Success {
			sent++
		} else {
			d.logger.Warn("failed to announce function",
				"name", fn.Name,
				"error", resp.Error,
			)
		}
	}
	return sent
}

func registerMessage(fn Function) protocol.Message {
	fields := map[string]any{
		"name":    fn.Name,
		"async":   fn.Async,
		"timeout": fn.TimeoutMs,
	}
	if fn.Description != "" {
		fields["description"] = fn.Description
	}
	return protocol.NewMessage(protocol.TypeExternalRegister, fields)
}

// HandleCall is the external_call bus handler. It never blocks: the HTTP call
// runs on its own goroutine.
func (d *Dispatcher) HandleCall(msg protocol.Message) {
	call := CallFromMessage(msg)
	if call.ID == "" {
		d.logger.Warn("dropping external_call without id", "function", call.FunctionName)
		return
	}
	if d.dedupe != nil && d.dedupe.CheckAndMark(call.ID) {
		metrics.DuplicateCallsTotal.Inc()
		d.logger.Warn("ignoring duplicate external_call",
			"call_id", call.ID,
			"function", call.FunctionName,
		)
		return
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.link.SendNoWait(d.Dispatch(d.ctx, call))
	}()
}

// Dispatch performs one call and returns its external_response frame.
func (d *Dispatcher) Dispatch(ctx context.Context, call Call) protocol.Message {
	start := time.Now()

	fn, ok := d.registry.Get(call.FunctionName)
	var resp protocol.Message
	if !ok {
		resp = errorResponse(call.ID, protocol.Errorf(protocol.CodeInvalidFunction,
			"Function '%s' is not registered", call.FunctionName))
	} else {
		d.logger.Info("→ dispatching external call",
			"call_id", call.ID,
			"function", fn.Name,
			"mode", call.Mode,
			"timeout_ms", fn.TimeoutMs,
		)
		resp = d.invoke(ctx, fn, call)
	}

	d.finish(call, resp, time.Since(start))
	return resp
}

func (d *Dispatcher) invoke(ctx context.Context, fn Function, call Call) protocol.Message {
	body, err := json.Marshal(map[string]any{"args": call.Args})
	if err != nil {
		return errorResponse(call.ID, protocol.Errorf(protocol.CodeInvalidArguments,
			"Function '%s' arguments are not serialisable: %v", fn.Name, err))
	}

	ctx, cancel := context.WithTimeout(ctx, fn.Timeout())
	defer cancel()

	timedOut := func() protocol.Message {
		return errorResponse(call.ID, protocol.Errorf(protocol.CodeCallTimeout,
			"Function '%s' timed out after %dms", fn.Name, fn.TimeoutMs))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, fn.URL, bytes.NewReader(body))
	if err != nil {
		return errorResponse(call.ID, protocol.Errorf(protocol.CodeNetworkError,
			"Function '%s' request could not be built: %v", fn.Name, err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	httpResp, err := d.client.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return timedOut()
		}
		return errorResponse(call.ID, protocol.Errorf(protocol.CodeNetworkError,
			"Function '%s' request failed: %v", fn.Name, err))
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return timedOut()
		}
		return errorResponse(call.ID, protocol.Errorf(protocol.CodeNetworkError,
			"Function '%s' response could not be read: %v", fn.Name, err))
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		return errorResponse(call.ID, protocol.Errorf(protocol.CodeNetworkError,
			"Function '%s' failed with status %d", fn.Name, httpResp.StatusCode))
	}

	var result struct {
		Success bool `json:"success"`
		Result  any  `json:"result"`
		Error   any  `json:"error"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return errorResponse(call.ID, protocol.Errorf(protocol.CodeNetworkError,
			"Function '%s' returned an invalid response body: %v", fn.Name, err))
	}
	if !result.Success {
		return errorResponse(call.ID, protocol.ErrorFromValue(result.Error))
	}
	return successResponse(call.ID, result.Result)
}

func (d *Dispatcher) finish(call Call, resp protocol.Message, elapsed time.Duration) {
	success := resp.Bool("success")
	outcome := metrics.OutcomeOK
	var code protocol.ErrorCode
	var message string
	if !success {
		if e, ok := resp["error"].(map[string]any); ok {
			code = protocol.ErrorCode(fmt.Sprint(e["code"]))
			message = fmt.Sprint(e["message"])
		}
		outcome = string(code)
	}

	metrics.ExternalCallsTotal.WithLabelValues(outcome).Inc()
	metrics.ExternalCallSeconds.Observe(elapsed.Seconds())

	if success {
		d.logger.Info("← external call completed",
			"call_id", call.ID,
			"function", call.FunctionName,
			"duration", elapsed,
		)
	} else {
		d.logger.Warn("← external call failed",
			"call_id", call.ID,
			"function", call.FunctionName,
			"code", code,
			"error", message,
			"duration", elapsed,
		)
	}

	if d.recorder != nil {
		d.recorder.RecordCall(CallRecord{
			CallID:       call.ID,
			FunctionName: call.FunctionName,
			Mode:         call.Mode,
			Success:      success,
			ErrorCode:    code,
			ErrorMessage: message,
			Duration:     elapsed,
			StartedAt:    call.IssuedAt,
		})
	}
}

// successResponse merges object results into the envelope; other results are
// carried under "result". Envelope keys always win over callee fields.
func successResponse(id string, result any) protocol.Message {
	m := protocol.Message{}
	switch r := result.(type) {
	case map[string]any:
		maps.Copy(m, r)
	case nil:
	default:
		m["result"] = r
	}
	m[protocol.FieldID] = id
	m[protocol.FieldType] = protocol.TypeExternalResponse
	m["success"] = true
	return m
}

func errorResponse(id string, err *protocol.Error) protocol.Message {
	return protocol.Message{
		protocol.FieldID:   id,
		protocol.FieldType: protocol.TypeExternalResponse,
		"success":          false,
		"error": map[string]any{
			"code":    string(err.Code),
			"message": err.Message,
		},
	}
}
