package hookingest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/pyyush/agent-pager-sub000/internal/adapter"
)

type fakeDispatcher struct {
	blocked bool
	reason  string
	async   []string
}

func (f *fakeDispatcher) HandleBlocking(ctx context.Context, agentName string, ev *adapter.NormalizedEvent) (bool, string) {
	return f.blocked, f.reason
}

func (f *fakeDispatcher) HandleAsync(agentName string, ev *adapter.NormalizedEvent) {
	f.async = append(f.async, agentName)
}

func testRegistry() *adapter.Registry {
	r := adapter.NewRegistry()
	r.Register(&adapter.Adapter{
		Name: "claude",
		NormalizeHookPayloadFunc: func(raw map[string]any, endpoint string) (*adapter.NormalizedEvent, error) {
			switch endpoint {
			case "PreToolUse":
				return &adapter.NormalizedEvent{Kind: adapter.KindPermissionRequest, ToolName: "Bash"}, nil
			case "Notification":
				return &adapter.NormalizedEvent{Kind: adapter.KindNotification}, nil
			default:
				return nil, nil
			}
		},
	})
	return r
}

func TestHandleHook_PermissionRequestBlocks(t *testing.T) {
	disp := &fakeDispatcher{blocked: true, reason: "Denied by user"}
	srv := New(testRegistry(), disp, "secret", "claude", "")

	mux := http.NewServeMux()
	srv.registerRoutes(mux, true)

	req := httptest.NewRequest(http.MethodPost, "/hook/claude/PreToolUse", strings.NewReader(`{"tool_name":"Bash"}`))
	req.Header.Set("X-Hook-Token", "secret")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp hookResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !resp.Blocked || resp.Reason != "Denied by user" {
		t.Errorf("resp = %+v, want blocked with reason", resp)
	}
}

func TestHandleHook_NonBlockingEventAcksImmediately(t *testing.T) {
	disp := &fakeDispatcher{}
	srv := New(testRegistry(), disp, "secret", "claude", "")

	mux := http.NewServeMux()
	srv.registerRoutes(mux, true)

	req := httptest.NewRequest(http.MethodPost, "/notification", strings.NewReader(`{}`))
	req.Header.Set("X-Hook-Token", "secret")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if len(disp.async) != 1 || disp.async[0] != "claude" {
		t.Errorf("async dispatch = %v, want [claude]", disp.async)
	}
}

func TestHandleHook_RejectsBadToken(t *testing.T) {
	srv := New(testRegistry(), &fakeDispatcher{}, "secret", "claude", "")
	mux := http.NewServeMux()
	srv.registerRoutes(mux, true)

	req := httptest.NewRequest(http.MethodPost, "/hook/claude/PreToolUse", strings.NewReader(`{}`))
	req.Header.Set("X-Hook-Token", "wrong")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestHandleHook_UnknownAgentIs400(t *testing.T) {
	srv := New(testRegistry(), &fakeDispatcher{}, "secret", "claude", "")
	mux := http.NewServeMux()
	srv.registerRoutes(mux, true)

	req := httptest.NewRequest(http.MethodPost, "/hook/unknown/PreToolUse", strings.NewReader(`{}`))
	req.Header.Set("X-Hook-Token", "secret")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestHandleHook_OversizeBodyIs413(t *testing.T) {
	srv := New(testRegistry(), &fakeDispatcher{}, "secret", "claude", "")
	mux := http.NewServeMux()
	srv.registerRoutes(mux, true)

	huge := strings.Repeat("a", 2<<20)
	req := httptest.NewRequest(http.MethodPost, "/hook/claude/PreToolUse", strings.NewReader(huge))
	req.Header.Set("X-Hook-Token", "secret")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", rec.Code)
	}
}

func TestHandleHealth_NeverAuthChecked(t *testing.T) {
	srv := New(testRegistry(), &fakeDispatcher{}, "secret", "claude", "")
	mux := http.NewServeMux()
	srv.registerRoutes(mux, true)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestSocketListener_NoAuthRequired(t *testing.T) {
	srv := New(testRegistry(), &fakeDispatcher{}, "secret", "claude", "")
	mux := http.NewServeMux()
	srv.registerRoutes(mux, false)

	req := httptest.NewRequest(http.MethodPost, "/hook/claude/PreToolUse", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (socket listener skips token auth)", rec.Code)
	}
}
