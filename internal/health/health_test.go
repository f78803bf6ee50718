package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/MrWong99/segstream/internal/resilience"
)

func serve(t *testing.T, h *Handler, path string, ctx context.Context) (int, result) {
	t.Helper()
	mux := http.NewServeMux()
	h.Register(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil).WithContext(ctx))

	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}
	var body result
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return rec.Code, body
}

func pass(context.Context) error { return nil }

func TestHealthz(t *testing.T) {
	t.Parallel()

	h := New(Checker{Name: "broken", Check: func(context.Context) error { return errors.New("x") }})
	code, body := serve(t, h, "/healthz", context.Background())
	if code != http.StatusOK || body.Status != "ok" || body.Checks != nil {
		t.Errorf("healthz = %d %+v, want 200 ok without checks", code, body)
	}
}

func TestReadyz(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		checkers   []Checker
		wantCode   int
		wantChecks map[string]string
	}{
		{
			name:     "no checkers",
			wantCode: http.StatusOK,
		},
		{
			name:       "all pass",
			checkers:   []Checker{{"manager", pass}, {"segmenters", pass}},
			wantCode:   http.StatusOK,
			wantChecks: map[string]string{"manager": "ok", "segmenters": "ok"},
		},
		{
			name: "one fails",
			checkers: []Checker{
				{"manager", func(context.Context) error { return errors.New("closed") }},
				{"segmenters", pass},
			},
			wantCode:   http.StatusServiceUnavailable,
			wantChecks: map[string]string{"manager": "fail: closed", "segmenters": "ok"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			code, body := serve(t, New(tt.checkers...), "/readyz", context.Background())
			if code != tt.wantCode {
				t.Errorf("code = %d, want %d", code, tt.wantCode)
			}
			wantStatus := "ok"
			if tt.wantCode != http.StatusOK {
				wantStatus = "fail"
			}
			if body.Status != wantStatus {
				t.Errorf("status = %q, want %q", body.Status, wantStatus)
			}
			for name, want := range tt.wantChecks {
				if got := body.Checks[name]; got != want {
					t.Errorf("check %q = %q, want %q", name, got, want)
				}
			}
		})
	}
}

func TestReadyz_CancelledRequest(t *testing.T) {
	t.Parallel()

	h := New(Checker{Name: "slow", Check: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if code, _ := serve(t, h, "/readyz", ctx); code != http.StatusServiceUnavailable {
		t.Errorf("code = %d, want 503", code)
	}
}

func TestSegmenterCheck(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		states  []resilience.State
		wantErr bool
	}{
		{"closed", []resilience.State{resilience.StateOpen, resilience.StateClosed}, false},
		{"half-open counts", []resilience.State{resilience.StateOpen, resilience.StateHalfOpen}, false},
		{"all open", []resilience.State{resilience.StateOpen, resilience.StateOpen}, true},
		{"no members", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			c := SegmenterCheck(func() []resilience.MemberStatus {
				out := make([]resilience.MemberStatus, len(tt.states))
				for i, s := range tt.states {
					out[i] = resilience.MemberStatus{Name: "m", State: s}
				}
				return out
			})
			err := c.Check(context.Background())
			if (err != nil) != tt.wantErr {
				t.Errorf("Check = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrAllCircuitsOpen) {
				t.Errorf("err = %v, want ErrAllCircuitsOpen", err)
			}
		})
	}
}
