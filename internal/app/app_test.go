package app_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/segstream/internal/app"
	"github.com/MrWong99/segstream/internal/config"
	"github.com/MrWong99/segstream/internal/observe"
	"github.com/MrWong99/segstream/internal/resilience"
	"github.com/MrWong99/segstream/pkg/segment"
	"github.com/MrWong99/segstream/pkg/segment/mock"
)

const story = "从前有座山，山里有座庙。庙里有个老和尚在讲故事！讲的是什么呢？" +
	"他每天都讲同一个故事。有一天，小和尚问：师父，这个故事什么时候讲完？"

// testConfig segments without depending on wall-clock time.
func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Server.ListenAddr = "127.0.0.1:0"
	seg := &cfg.Segmentation
	seg.FirstMaxAccuTime = 0
	seg.MaxAccuTime = 0
	seg.MaxWaitingTime = time.Hour
	seg.FirstMinSegSize = 8
	seg.MinSegSize = 12
	seg.MaxSegSize = 30
	seg.LooseSteps = 1000
	seg.SecondsPerWord = 0
	return &cfg
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	m, err := observe.NewMetrics(sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader())))
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

func names(g *app.SegmenterGroup) []string {
	var out []string
	for _, m := range g.Status() {
		out = append(out, m.Name)
	}
	return out
}

func TestBuildSegmenters(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	config.RegisterBuiltins(reg)

	tests := []struct {
		name    string
		entries []config.SegmenterEntry
		want    [][]string
	}{
		{
			name:    "default punct has no extra fallback",
			entries: []config.SegmenterEntry{{Name: "punct"}},
			want:    [][]string{{"punct"}},
		},
		{
			name:    "remote falls back to the named segmenter",
			entries: []config.SegmenterEntry{{Name: "remote", BaseURL: "http://127.0.0.1:1", Fallback: "phrase"}},
			want:    [][]string{{"remote", "phrase"}},
		},
		{
			name:    "unregistered entry is replaced by punct",
			entries: []config.SegmenterEntry{{Name: "oracle"}, {Name: "english"}},
			want:    [][]string{{"punct"}, {"english", "punct"}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := config.Default()
			cfg.Segmenters = tt.entries
			segs, groups, err := app.BuildSegmenters(&cfg, reg, nil, nil)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(segs) != len(tt.want) || len(groups) != len(tt.want) {
				t.Fatalf("got %d segmenters and %d groups, want %d", len(segs), len(groups), len(tt.want))
			}
			for i, g := range groups {
				if got := names(g); strings.Join(got, ",") != strings.Join(tt.want[i], ",") {
					t.Errorf("group %d members = %v, want %v", i, got, tt.want[i])
				}
			}
		})
	}
}

func TestBuildSegmenters_NothingAvailable(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	cfg.Segmenters = []config.SegmenterEntry{{Name: "oracle"}}
	_, _, err := app.BuildSegmenters(&cfg, config.NewRegistry(), nil, nil)
	if !errors.Is(err, config.ErrSegmenterNotRegistered) {
		t.Errorf("error = %v, want ErrSegmenterNotRegistered", err)
	}
}

type countingRecorder struct {
	statuses []string
}

func (r *countingRecorder) RecordSegmenterRequest(_ context.Context, segmenter, status string, _ time.Duration) {
	r.statuses = append(r.statuses, segmenter+"="+status)
}

func TestBuildSegmenters_FailingPrimaryUsesFallback(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	config.RegisterBuiltins(reg)
	reg.Register("flaky", func(config.SegmenterEntry) (segment.ContextSegmenter, error) {
		return &mock.ContextSegmenter{Err: errors.New("unavailable")}, nil
	})

	cfg := config.Default()
	cfg.Segmenters = []config.SegmenterEntry{{Name: "flaky"}}
	rec := &countingRecorder{}
	segs, _, err := app.BuildSegmenters(&cfg, reg, rec, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got := segs[0].Segment("你好。再见。")
	if strings.Join(got, "|") != "你好。|再见。" {
		t.Errorf("Segment = %q, want the punct split", got)
	}
	want := []string{"flaky=" + resilience.StatusError, "punct=" + resilience.StatusOK}
	if strings.Join(rec.statuses, ",") != strings.Join(want, ",") {
		t.Errorf("recorded %v, want %v", rec.statuses, want)
	}
}

func TestApp_RunAndShutdown(t *testing.T) {
	t.Parallel()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	a, err := app.New(testConfig(), app.WithMetrics(testMetrics(t)), app.WithListener(ln))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- a.Run(ctx) }()

	base := "http://" + ln.Addr().String()
	deadline := time.Now().Add(3 * time.Second)
	for {
		resp, err := http.Get(base + "/readyz")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				break
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("/readyz never became ready (last err %v)", err)
		}
		time.Sleep(20 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("Run = %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	if err := a.Shutdown(shutdownCtx); err != nil {
		t.Errorf("Shutdown = %v", err)
	}
	if err := a.Shutdown(shutdownCtx); err != nil {
		t.Errorf("second Shutdown = %v", err)
	}
	if a.Manager().Running() {
		t.Error("manager still running after Shutdown")
	}
}

func TestApp_Reload(t *testing.T) {
	t.Parallel()
	var level slog.LevelVar
	old := testConfig()
	a, err := app.New(old, app.WithMetrics(testMetrics(t)), app.WithLevelVar(&level))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	updated := *old
	updated.Server.LogLevel = config.LogDebug
	updated.Segmentation.MaxSegSize = 44
	a.Reload(old, &updated)

	if level.Level() != slog.LevelDebug {
		t.Errorf("level = %v, want debug", level.Level())
	}
	if got := a.Manager().Config().MaxSegSize; got != 44 {
		t.Errorf("MaxSegSize = %d, want 44", got)
	}

	broken := updated
	broken.Segmentation.MaxSegSize = 0
	a.Reload(&updated, &broken)
	if got := a.Manager().Config().MaxSegSize; got != 44 {
		t.Errorf("MaxSegSize after invalid reload = %d, want 44", got)
	}
}

func TestApp_Pipe(t *testing.T) {
	t.Parallel()
	for _, mode := range []string{"text", "stream"} {
		t.Run(mode, func(t *testing.T) {
			t.Parallel()
			cfg := testConfig()
			cfg.Segmentation.Mode = mode
			a, err := app.New(cfg, app.WithMetrics(testMetrics(t)))
			if err != nil {
				t.Fatalf("New: %v", err)
			}

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			var out bytes.Buffer
			if err := a.Pipe(ctx, strings.NewReader(story), &out); err != nil {
				t.Fatalf("Pipe: %v", err)
			}

			lines := strings.Split(strings.TrimSuffix(out.String(), "\n"), "\n")
			if len(lines) < 2 {
				t.Errorf("got %d lines, want several: %q", len(lines), out.String())
			}
			for _, l := range lines {
				if n := len([]rune(l)); n > 30 {
					t.Errorf("line %q has %d runes, want at most 30", l, n)
				}
			}
			if got := strings.Join(lines, ""); got != story {
				t.Errorf("joined lines = %q, want %q", got, story)
			}
		})
	}
}
