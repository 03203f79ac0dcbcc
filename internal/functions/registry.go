// ABOUTME: In-memory registry of HTTP-backed functions callable from the native process.
// ABOUTME: Validates registrations in a fixed order and preserves registration order.

package functions

import (
	"log/slog"
	"math"
	"net/url"
	"regexp"
	"slices"
	"sync"
	"time"

	"github.com/2389/vox-gateway/internal/protocol"
)

// DefaultTimeout applies to functions registered without a timeout.
const DefaultTimeout = 30 * time.Second

// maxTimeoutMs caps a registered timeout at one day.
const maxTimeoutMs = 24 * 60 * 60 * 1000

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Mode records whether the native caller treats the function as sync or async.
type Mode string

const (
	ModeSync  Mode = "sync"
	ModeAsync Mode = "async"
)

// Registration is a request to add a function.
type Registration struct {
	Name string
	URL  string
	// Async selects ModeAsync.
	Async bool
	// TimeoutMs is optional. JSON numbers decode as float64, so the value is
	// kept as-is and must hold a positive integer.
	TimeoutMs   *float64
	Description string
}

// Function is a registered function descriptor.
type Function struct {
	Name         string    `json:"name"`
	URL          string    `json:"url"`
	Mode         Mode      `json:"mode"`
	Async        bool      `json:"async"`
	TimeoutMs    int64     `json:"timeout"`
	Description  string    `json:"description,omitempty"`
	RegisteredAt time.Time `json:"registeredAt"`
}

// Timeout returns the function's deadline as a duration.
func (f Function) Timeout() time.Duration {
	return time.Duration(f.TimeoutMs) * time.Millisecond
}

// Stats summarises the registry.
type Stats struct {
	RegisteredFunctions int      `json:"registeredFunctions"`
	FunctionNames       []string `json:"functionNames"`
}

// Registry holds registered functions in registration order.
type Registry struct {
	mu             sync.RWMutex
	functions      map[string]*Function
	order          []string
	defaultTimeout time.Duration
	logger         *slog.Logger
}

// NewRegistry creates an empty registry. defaultTimeout <= 0 selects DefaultTimeout.
func NewRegistry(defaultTimeout time.Duration, logger *slog.Logger) *Registry {
	if defaultTimeout <= 0 {
		defaultTimeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		functions:      make(map[string]*Function),
		defaultTimeout: defaultTimeout,
		logger:         logger.With("component", "function_registry"),
	}
}

// Millis is a convenience for building Registration.TimeoutMs.
func Millis(ms int64) *float64 {
	v := float64(ms)
	return &v
}

// Register validates reg and stores it. Failures are *protocol.Error values
// with code INVALID_ARGUMENTS.
func (r *Registry) Register(reg Registration) (Function, error) {
	if !identifierPattern.MatchString(reg.Name) {
		return Function{}, protocol.Errorf(protocol.CodeInvalidArguments,
			"Function name %q is not a valid identifier", reg.Name)
	}
	if !validURL(reg.URL) {
		return Function{}, protocol.Errorf(protocol.CodeInvalidArguments,
			"Function URL %q is not a valid URL", reg.URL)
	}

	timeoutMs := r.defaultTimeout.Milliseconds()
	if reg.TimeoutMs != nil {
		v := *reg.TimeoutMs
		if v <= 0 || math.IsInf(v, 0) || math.IsNaN(v) || v != math.Trunc(v) || v > maxTimeoutMs {
			return Function{}, protocol.Errorf(protocol.CodeInvalidArguments,
				"Timeout must be a positive integer number of milliseconds, got %v", v)
		}
		timeoutMs = int64(v)
	}

	mode := ModeSync
	if reg.Async {
		mode = ModeAsync
	}
	fn := &Function{
		Name:         reg.Name,
		URL:          reg.URL,
		Mode:         mode,
		Async:        reg.Async,
		TimeoutMs:    timeoutMs,
		Description:  reg.Description,
		RegisteredAt: time.Now().UTC(),
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.functions[reg.Name]; exists {
		return Function{}, protocol.Errorf(protocol.CodeInvalidArguments,
			"Function %q is already registered", reg.Name)
	}
	r.functions[fn.Name] = fn
	r.order = append(r.order, fn.Name)

	r.logger.Info("=== FUNCTION REGISTERED ===",
		"name", fn.Name,
		"url", fn.URL,
		"mode", fn.Mode,
		"timeout_ms", fn.TimeoutMs,
	)
	return *fn, nil
}

func validURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return false
	}
	return u.Scheme == "http" || u.Scheme == "https"
}

// Unregister removes name. An unknown name is an INVALID_FUNCTION error.
func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.functions[name]; !exists {
		return protocol.Errorf(protocol.CodeInvalidFunction, "Function %q is not registered", name)
	}
	delete(r.functions, name)
	r.order = slices.DeleteFunc(r.order, func(n string) bool { return n == name })

	r.logger.Info("function unregistered", "name", name)
	return nil
}

// Get returns the descriptor for name.
func (r *Registry) Get(name string) (Function, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	fn, ok := r.functions[name]
	if !ok {
		return Function{}, false
	}
	return *fn, true
}

// List returns every descriptor in registration order.
func (r *Registry) List() []Function {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Function, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, *r.functions[name])
	}
	return out
}

// Stats returns the count and names in registration order.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return Stats{
		RegisteredFunctions: len(r.order),
		FunctionNames:       append([]string{}, r.order...),
	}
}
