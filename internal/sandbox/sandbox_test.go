package sandbox

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func testSandbox(t *testing.T, handlers map[string]string, secrets map[string]string, opts ...Option) *Sandbox {
	t.Helper()
	opts = append(opts, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	s, err := New(handlers, secrets, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(s.Dispose)
	return s
}

// TestExecute_Results checks result serialization across return shapes.
func TestExecute_Results(t *testing.T) {
	t.Parallel()
	s := testSandbox(t, map[string]string{
		"echo_string": `(args) => "hello " + args.name`,
		"echo_object": `(args) => ({city: args.city, temp: 20})`,
		"echo_number": `() => 42`,
		"no_return":   `() => { var x = 1; }`,
		"null_return": `() => null`,
		"async_tool":  `async (args) => "async " + args.name`,
	}, nil)

	tests := []struct {
		tool string
		args map[string]any
		want string
	}{
		{"echo_string", map[string]any{"name": "world"}, "hello world"},
		{"echo_object", map[string]any{"city": "Paris"}, `{"city":"Paris","temp":20}`},
		{"echo_number", nil, "42"},
		{"no_return", nil, "null"},
		{"null_return", nil, "null"},
		{"async_tool", map[string]any{"name": "world"}, "async world"},
	}
	for _, tt := range tests {
		t.Run(tt.tool, func(t *testing.T) {
			if got := s.Execute(t.Context(), tt.tool, tt.args); got != tt.want {
				t.Errorf("Execute(%s) = %q, want %q", tt.tool, got, tt.want)
			}
		})
	}
}

// TestExecute_Failures checks that failures become strings, never panics.
func TestExecute_Failures(t *testing.T) {
	t.Parallel()
	s := testSandbox(t, map[string]string{
		"throws":        `() => { throw new Error("boom"); }`,
		"throws_string": `() => { throw "plain failure"; }`,
		"rejects":       `async () => { throw new Error("async boom"); }`,
	}, nil)

	tests := []struct {
		tool string
		want string
	}{
		{"throws", "Error: boom"},
		{"throws_string", "Error: plain failure"},
		{"rejects", "Error: async boom"},
	}
	for _, tt := range tests {
		t.Run(tt.tool, func(t *testing.T) {
			if got := s.Execute(t.Context(), tt.tool, nil); got != tt.want {
				t.Errorf("Execute(%s) = %q, want %q", tt.tool, got, tt.want)
			}
		})
	}

	t.Run("unknown tool", func(t *testing.T) {
		want := `Error: Unknown tool "nope"`
		if got := s.Execute(t.Context(), "nope", nil); got != want {
			t.Errorf("got %q, want %q", got, want)
		}
	})
}

// TestExecute_Timeout checks the wall-clock interrupt on a spinning handler.
func TestExecute_Timeout(t *testing.T) {
	t.Parallel()
	s := testSandbox(t, map[string]string{
		"spin": `() => { while (true) {} }`,
	}, nil, WithTimeout(100*time.Millisecond))

	start := time.Now()
	got := s.Execute(t.Context(), "spin", nil)
	want := `Error: Tool "spin" timed out after 100ms`
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("interrupt took %v", elapsed)
	}
}

// TestExecute_Isolation checks that calls cannot observe each other's global
// mutations and that secret mutations do not persist.
func TestExecute_Isolation(t *testing.T) {
	t.Parallel()
	s := testSandbox(t, map[string]string{
		"poke": `() => { globalThis.leaked = "yes"; return "poked"; }`,
		"peek": `() => String(globalThis.leaked)`,
		"mutate_secrets": `(args, ctx) => {
			ctx.secrets.API_KEY = "stolen";
			ctx.secrets.NEW = "x";
			return ctx.secrets.API_KEY;
		}`,
		"read_secrets": `(args, ctx) => ctx.secrets.API_KEY + "/" + String(ctx.secrets.NEW)`,
	}, map[string]string{"API_KEY": "original"})

	if got := s.Execute(t.Context(), "poke", nil); got != "poked" {
		t.Fatalf("poke = %q", got)
	}
	if got := s.Execute(t.Context(), "peek", nil); got != "undefined" {
		t.Errorf("global leaked across calls: peek = %q", got)
	}

	if got := s.Execute(t.Context(), "mutate_secrets", nil); got != "stolen" {
		t.Fatalf("mutate_secrets = %q", got)
	}
	if got := s.Execute(t.Context(), "read_secrets", nil); got != "original/undefined" {
		t.Errorf("secret mutation persisted: read_secrets = %q", got)
	}
}

// TestExecute_Fetch checks the proxied HTTP capability end to end.
func TestExecute_Fetch(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/weather":
			if got := r.Header.Get("X-Api-Key"); got != "k1" {
				t.Errorf("X-Api-Key = %q", got)
			}
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `{"temp": 20, "sky": "sunny"}`)
		case "/missing":
			http.NotFound(w, r)
		case "/echo":
			body, _ := io.ReadAll(r.Body)
			fmt.Fprintf(w, "%s:%s", r.Method, body)
		}
	}))
	defer srv.Close()

	s := testSandbox(t, map[string]string{
		"get_weather": `async (args, ctx) => {
			const res = ctx.fetch("` + srv.URL + `/weather", {headers: {"X-Api-Key": ctx.secrets.API_KEY}});
			if (!res.ok) { return "Error: upstream " + res.status; }
			const data = res.json();
			return data.temp + "C " + data.sky;
		}`,
		"check_missing": `(args, ctx) => {
			const res = ctx.fetch("` + srv.URL + `/missing");
			return res.ok + "/" + res.status + "/" + res.statusText;
		}`,
		"post_echo": `(args, ctx) => {
			const res = ctx.fetch("` + srv.URL + `/echo", {method: "post", body: "payload"});
			return res.text();
		}`,
		"bad_host": `(args, ctx) => {
			try {
				ctx.fetch("http://127.0.0.1:1/x");
				return "unreachable succeeded";
			} catch (e) {
				return "caught";
			}
		}`,
	}, map[string]string{"API_KEY": "k1"})

	if got := s.Execute(t.Context(), "get_weather", nil); got != "20C sunny" {
		t.Errorf("get_weather = %q", got)
	}
	if got := s.Execute(t.Context(), "check_missing", nil); got != "false/404/Not Found" {
		t.Errorf("check_missing = %q", got)
	}
	if got := s.Execute(t.Context(), "post_echo", nil); got != "POST:payload" {
		t.Errorf("post_echo = %q", got)
	}
	if got := s.Execute(t.Context(), "bad_host", nil); got != "caught" {
		t.Errorf("bad_host = %q", got)
	}
}

// TestNew_Validation checks configure-time rejection of bad sources.
func TestNew_Validation(t *testing.T) {
	t.Parallel()

	if _, err := New(map[string]string{"bad": `() => {`}, nil); err == nil {
		t.Error("expected error for syntax error")
	}
	if _, err := New(map[string]string{"notfn": `42`}, nil); err == nil {
		t.Error("expected error for non-function source")
	}
}

// TestDispose checks double-dispose and execute-after-dispose behaviour.
func TestDispose(t *testing.T) {
	t.Parallel()
	s := testSandbox(t, map[string]string{"ok": `() => "fine"`}, nil)

	s.Dispose()
	s.Dispose()

	got := s.Execute(t.Context(), "ok", nil)
	if !strings.HasPrefix(got, "Error:") {
		t.Errorf("Execute after dispose = %q, want Error string", got)
	}
}
