// Package sandbox executes customer-supplied JavaScript tool handlers in an
// isolated runtime with no ambient authority.
//
// Handler sources are compiled once at configure time. Every Execute call
// runs on a fresh execution context, so global mutations made by one call
// can never be observed by the next. The only capabilities exposed are a
// per-call copy of the customer's secrets and an HTTP fetch proxied through
// the host under the per-call cancellation context.
//
// Execute never returns a Go error: every failure mode — unknown tool,
// thrown exception, rejected promise, timeout — becomes an "Error: ..."
// string appended to the conversation so the model can observe it and
// recover.
package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"
)

// DefaultTimeout is the per-call wall clock for one handler execution.
const DefaultTimeout = 30 * time.Second

// maxFetchBody bounds the response body a handler can pull through ctx.fetch.
const maxFetchBody = 4 << 20

// ctxPrelude builds the capability object handed to every handler call. The
// fetch wrapper converts the host record into the response shape handlers
// expect, with text() and json() accessors.
const ctxPrelude = `
var __ctx = {
	secrets: __secrets,
	fetch: function(url, init) {
		var r = __hostFetch(url, init);
		return {
			ok: r.ok,
			status: r.status,
			statusText: r.statusText,
			headers: r.headers,
			text: function() { return r.body; },
			json: function() { return JSON.parse(r.body); },
		};
	},
};
`

// Option is a functional option for configuring a Sandbox.
type Option func(*Sandbox)

// WithLogger sets the logger for handler failures. Defaults to slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(s *Sandbox) { s.logger = l }
}

// WithHTTPClient overrides the client backing ctx.fetch.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Sandbox) { s.client = c }
}

// WithTimeout overrides the per-call wall clock. Used by tests.
func WithTimeout(d time.Duration) Option {
	return func(s *Sandbox) { s.timeout = d }
}

// Sandbox holds one session's compiled tool handlers.
type Sandbox struct {
	logger  *slog.Logger
	client  *http.Client
	timeout time.Duration

	secrets  map[string]string
	programs map[string]*goja.Program

	mu       sync.Mutex
	disposed bool
}

// New compiles the given handler sources (tool name → function expression)
// and returns a ready Sandbox. secrets is the customer's secret map; it is
// copied per call, never shared. A source that does not compile to a
// function is a configuration error.
func New(handlers map[string]string, secrets map[string]string, opts ...Option) (*Sandbox, error) {
	s := &Sandbox{
		logger:   slog.Default(),
		client:   &http.Client{},
		timeout:  DefaultTimeout,
		secrets:  secrets,
		programs: make(map[string]*goja.Program, len(handlers)),
	}
	for _, o := range opts {
		o(s)
	}

	scratch := goja.New()
	for name, source := range handlers {
		prog, err := goja.Compile(name+".js", "("+source+")", false)
		if err != nil {
			return nil, fmt.Errorf("sandbox: compile tool %q: %w", name, err)
		}
		val, err := scratch.RunProgram(prog)
		if err != nil {
			return nil, fmt.Errorf("sandbox: evaluate tool %q: %w", name, err)
		}
		if _, ok := goja.AssertFunction(val); !ok {
			return nil, fmt.Errorf("sandbox: tool %q: handler is not a function", name)
		}
		s.programs[name] = prog
	}
	return s, nil
}

// Has reports whether a handler is registered for the given tool name.
func (s *Sandbox) Has(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.programs[name]
	return ok
}

// Execute runs the named handler with the given arguments and returns its
// string result. All failures are returned as "Error: ..." strings.
func (s *Sandbox) Execute(ctx context.Context, name string, args map[string]any) string {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return "Error: sandbox is disposed"
	}
	prog, ok := s.programs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Sprintf("Error: Unknown tool %q", name)
	}

	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	vm := goja.New()

	// Interrupt the runtime when the call context fires so a looping or
	// sleeping handler cannot outlive its budget.
	watch := make(chan struct{})
	defer close(watch)
	go func() {
		select {
		case <-callCtx.Done():
			vm.Interrupt("tool execution aborted")
		case <-watch:
		}
	}()

	result, err := s.run(callCtx, vm, prog, args)
	if err != nil {
		msg := s.failure(callCtx, name, err)
		s.logger.Warn("sandbox: tool failed", "tool", name, "result", msg)
		return msg
	}
	return result
}

// run performs one handler invocation on a fresh runtime.
func (s *Sandbox) run(callCtx context.Context, vm *goja.Runtime, prog *goja.Program, args map[string]any) (string, error) {
	if err := vm.Set("__secrets", s.snapshotSecrets()); err != nil {
		return "", err
	}
	if err := vm.Set("__hostFetch", s.hostFetch(callCtx)); err != nil {
		return "", err
	}
	if _, err := vm.RunString(ctxPrelude); err != nil {
		return "", err
	}

	fval, err := vm.RunProgram(prog)
	if err != nil {
		return "", err
	}
	fn, ok := goja.AssertFunction(fval)
	if !ok {
		return "", errors.New("handler is not a function")
	}

	res, err := fn(goja.Undefined(), vm.ToValue(args), vm.Get("__ctx"))
	if err != nil {
		return "", err
	}

	// Async handlers return a promise. All exposed capabilities are
	// synchronous, so by the time the call returns the promise has settled.
	if p, ok := res.Export().(*goja.Promise); ok {
		switch p.State() {
		case goja.PromiseStateFulfilled:
			res = p.Result()
		case goja.PromiseStateRejected:
			return "", errors.New(rejectionMessage(p.Result()))
		default:
			return "", errors.New("handler promise did not settle")
		}
	}

	return serialize(res)
}

// failure maps a handler error to the tool-result string.
func (s *Sandbox) failure(callCtx context.Context, name string, err error) string {
	var intr *goja.InterruptedError
	if errors.As(err, &intr) {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return fmt.Sprintf("Error: Tool %q timed out after %dms", name, s.timeout.Milliseconds())
		}
		return fmt.Sprintf("Error: Tool %q was cancelled", name)
	}
	var ex *goja.Exception
	if errors.As(err, &ex) {
		return "Error: " + rejectionMessage(ex.Value())
	}
	return "Error: " + err.Error()
}

// rejectionMessage extracts the message from a thrown or rejected value.
func rejectionMessage(v goja.Value) string {
	if v == nil {
		return "unknown error"
	}
	if obj, ok := v.(*goja.Object); ok {
		if msg := obj.Get("message"); msg != nil && !goja.IsUndefined(msg) {
			return msg.String()
		}
	}
	return v.String()
}

// serialize converts a handler return value to the tool-result string:
// strings pass through, null and undefined become "null", everything else
// is JSON-stringified.
func serialize(v goja.Value) (string, error) {
	if v == nil || goja.IsNull(v) || goja.IsUndefined(v) {
		return "null", nil
	}
	exported := v.Export()
	if str, ok := exported.(string); ok {
		return str, nil
	}
	data, err := json.Marshal(exported)
	if err != nil {
		return "", fmt.Errorf("serialize result: %w", err)
	}
	return string(data), nil
}

// snapshotSecrets deep-copies the secret map so in-handler mutations cannot
// reach the session store or a later call.
func (s *Sandbox) snapshotSecrets() map[string]string {
	out := make(map[string]string, len(s.secrets))
	for k, v := range s.secrets {
		out[k] = v
	}
	return out
}

// fetchInit mirrors the subset of RequestInit handlers may pass.
type fetchInit struct {
	Method  string
	Headers map[string]string
	Body    string
}

// hostFetch returns the Go function backing ctx.fetch for one call. A
// non-nil error return is surfaced to the handler as a thrown exception.
func (s *Sandbox) hostFetch(callCtx context.Context) func(rawURL string, init map[string]any) (map[string]any, error) {
	return func(rawURL string, init map[string]any) (map[string]any, error) {
		fi := parseInit(init)

		var body io.Reader
		if fi.Body != "" {
			body = strings.NewReader(fi.Body)
		}
		req, err := http.NewRequestWithContext(callCtx, fi.Method, rawURL, body)
		if err != nil {
			return nil, fmt.Errorf("fetch: %w", err)
		}
		for k, v := range fi.Headers {
			req.Header.Set(k, v)
		}

		resp, err := s.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("fetch: %w", err)
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBody))
		if err != nil {
			return nil, fmt.Errorf("fetch: read body: %w", err)
		}

		headers := make(map[string]string, len(resp.Header))
		for k := range resp.Header {
			headers[strings.ToLower(k)] = resp.Header.Get(k)
		}

		return map[string]any{
			"ok":         resp.StatusCode >= 200 && resp.StatusCode < 300,
			"status":     resp.StatusCode,
			"statusText": http.StatusText(resp.StatusCode),
			"headers":    headers,
			"body":       string(respBody),
		}, nil
	}
}

// parseInit extracts the supported RequestInit fields.
func parseInit(init map[string]any) fetchInit {
	fi := fetchInit{Method: http.MethodGet}
	if init == nil {
		return fi
	}
	if m, ok := init["method"].(string); ok && m != "" {
		fi.Method = strings.ToUpper(m)
	}
	if b, ok := init["body"].(string); ok {
		fi.Body = b
	}
	if hs, ok := init["headers"].(map[string]any); ok {
		fi.Headers = make(map[string]string, len(hs))
		for k, v := range hs {
			if sv, ok := v.(string); ok {
				fi.Headers[k] = sv
			}
		}
	}
	return fi
}

// Dispose releases the compiled handlers. Safe to call more than once.
func (s *Sandbox) Dispose() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disposed = true
	s.programs = nil
}
