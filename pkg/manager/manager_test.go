package manager

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/segstream/pkg/pipeline"
	"github.com/MrWong99/segstream/pkg/segment"
	"github.com/MrWong99/segstream/pkg/segment/mock"
	"github.com/MrWong99/segstream/pkg/segment/punct"
)

const story = "从前有座山，山里有座庙。庙里有个老和尚在讲故事！讲的是什么呢？" +
	"从前有座山，山里有座庙，庙里有个老和尚。他每天都讲同一个故事。" +
	"有一天，小和尚问：师父，这个故事什么时候讲完？老和尚笑了。"

func coarse() []segment.Segmenter {
	return []segment.Segmenter{punct.New(punct.Coarse)}
}

// steadyConfig does not depend on wall-clock time: detection starts on
// every character, the accumulation budget never grows and nothing is
// flushed by the waiting timeout.
func steadyConfig() pipeline.Config {
	cfg := pipeline.DefaultConfig()
	cfg.FirstMaxAccuTime = 0
	cfg.MaxAccuTime = 0
	cfg.MaxWaitingTime = time.Hour
	cfg.FirstMinSegSize = 8
	cfg.MinSegSize = 12
	cfg.MaxSegSize = 30
	cfg.LooseSteps = 1000
	cfg.SecondsPerWord = 0
	return cfg
}

func newStarted(t *testing.T, cfg pipeline.Config, segs []segment.Segmenter, opts ...Option) *Manager {
	t.Helper()
	m, err := New(cfg, segs, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Close(ctx)
	})
	return m
}

// feed sends text one character at a time.
func feed(t *testing.T, m *Manager, id, text string) {
	t.Helper()
	for _, r := range text {
		if err := m.AddText(context.Background(), id, string(r)); err != nil {
			t.Fatalf("AddText(%s): %v", id, err)
		}
	}
}

// drainUntil reads outputs until every id in ids has received a terminal
// output and returns them grouped by session.
func drainUntil(t *testing.T, m *Manager, ids ...string) map[string][]Output {
	t.Helper()
	got := make(map[string][]Output)
	open := make(map[string]bool, len(ids))
	for _, id := range ids {
		open[id] = true
	}
	timeout := time.After(10 * time.Second)
	for len(open) > 0 {
		select {
		case out, ok := <-m.Outputs():
			if !ok {
				t.Fatalf("egress closed with sessions %v still open", open)
			}
			got[out.SessionID] = append(got[out.SessionID], out)
			if out.Terminal() {
				delete(open, out.SessionID)
			}
		case <-timeout:
			t.Fatalf("timed out; sessions %v still open, got %v", open, got)
		}
	}
	return got
}

func texts(outs []Output) []string {
	var s []string
	for _, o := range outs {
		if o.Kind == KindSegment {
			s = append(s, o.Text)
		}
	}
	return s
}

func last(outs []Output) Output {
	return outs[len(outs)-1]
}

// standalone runs text through a single pipeline, character by character.
func standalone(t *testing.T, cfg pipeline.Config, text string) []string {
	t.Helper()
	p, err := pipeline.New(cfg, coarse())
	if err != nil {
		t.Fatalf("pipeline.New: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	go func() { _ = p.Run(ctx) }()
	for _, r := range text {
		_ = p.Fill(string(r))
	}
	_ = p.End()

	var segs []string
	for seg := range p.Segments(ctx) {
		segs = append(segs, seg)
	}
	return segs
}

func TestNew(t *testing.T) {
	t.Parallel()

	if _, err := New(steadyConfig(), nil); !errors.Is(err, pipeline.ErrNoSegmenter) {
		t.Errorf("New without segmenters = %v, want ErrNoSegmenter", err)
	}
	bad := steadyConfig()
	bad.MaxStreamTime = 0
	if _, err := New(bad, coarse()); err == nil || !strings.Contains(err.Error(), "max stream time") {
		t.Errorf("New with invalid config = %v", err)
	}
}

func TestManager_Lifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	m, err := New(steadyConfig(), coarse())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := m.AddText(ctx, "a", "x"); !errors.Is(err, ErrNotStarted) {
		t.Errorf("AddText before Start = %v, want ErrNotStarted", err)
	}
	if m.Running() {
		t.Error("Running() before Start")
	}
	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := m.Start(ctx); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second Start = %v, want ErrAlreadyStarted", err)
	}
	if !m.Running() {
		t.Error("Running() after Start = false")
	}

	if err := m.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := m.Close(ctx); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if err := m.AddText(ctx, "a", "x"); !errors.Is(err, ErrClosed) {
		t.Errorf("AddText after Close = %v, want ErrClosed", err)
	}
	if err := m.EndSession(ctx, "a"); !errors.Is(err, ErrClosed) {
		t.Errorf("EndSession after Close = %v, want ErrClosed", err)
	}
	if err := m.Start(ctx); !errors.Is(err, ErrClosed) {
		t.Errorf("Start after Close = %v, want ErrClosed", err)
	}
	if _, ok := <-m.Outputs(); ok {
		t.Error("egress still open after Close")
	}
}

func TestManager_CloseWithoutStart(t *testing.T) {
	t.Parallel()

	m, err := New(steadyConfig(), coarse())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := m.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, ok := <-m.Outputs(); ok {
		t.Error("egress still open")
	}
}

func TestManager_Scenario(t *testing.T) {
	t.Parallel()

	cfg := pipeline.DefaultConfig()
	cfg.FirstMinSegSize = 5
	cfg.MinSegSize = 10
	cfg.FirstMaxAccuTime = 0
	cfg.MaxAccuTime = 0
	cfg.MaxSegSize = 5
	cfg.LooseSteps = 100
	m := newStarted(t, cfg, []segment.Segmenter{punct.New(punct.Coarse)})

	feed(t, m, "s", "你好。再见。")
	if err := m.EndSession(context.Background(), "s"); err != nil {
		t.Fatalf("EndSession: %v", err)
	}

	outs := drainUntil(t, m, "s")["s"]
	if got, want := texts(outs), []string{"你好。", "再见。"}; !slices.Equal(got, want) {
		t.Errorf("segments = %q, want %q", got, want)
	}
	if end := last(outs); end.Kind != KindEnd || end.Err != nil {
		t.Errorf("terminal = %v (err %v), want end", end.Kind, end.Err)
	}
}

func TestManager_SessionIsolation(t *testing.T) {
	t.Parallel()

	cfg := steadyConfig()
	other := strings.Repeat("今天天气很好，我们去公园散步吧。", 3)
	m := newStarted(t, cfg, coarse())

	a, b := []rune(story), []rune(other)
	for i := 0; i < max(len(a), len(b)); i++ {
		if i < len(a) {
			feed(t, m, "a", string(a[i]))
		}
		if i < len(b) {
			feed(t, m, "b", string(b[i]))
		}
	}
	ctx := context.Background()
	_ = m.EndSession(ctx, "b")
	_ = m.EndSession(ctx, "a")

	got := drainUntil(t, m, "a", "b")
	for id, text := range map[string]string{"a": story, "b": other} {
		want := standalone(t, cfg, text)
		if !slices.Equal(texts(got[id]), want) {
			t.Errorf("session %s: segments = %q, want %q", id, texts(got[id]), want)
		}
		if len(want) < 3 {
			t.Errorf("session %s: only %d segments, input too easy", id, len(want))
		}
		if last(got[id]).Kind != KindEnd {
			t.Errorf("session %s ended with %v", id, last(got[id]).Kind)
		}
	}
}

func TestManager_FailureIsolation(t *testing.T) {
	t.Parallel()

	cfg := steadyConfig()
	p := punct.New(punct.Coarse)
	seg := &mock.Segmenter{SegmentFunc: func(text string) []string {
		if strings.Contains(text, "坏") {
			return []string{"altered", cfg.SegmentationSuffix}
		}
		return p.Segment(text)
	}}
	m := newStarted(t, cfg, []segment.Segmenter{seg})

	feed(t, m, "bad", "这是坏的输入。")
	feed(t, m, "good", "这是一个正常的句子。")
	_ = m.EndSession(context.Background(), "good")
	_ = m.EndSession(context.Background(), "bad")

	got := drainUntil(t, m, "bad", "good")
	if end := last(got["bad"]); end.Kind != KindEnd || !errors.Is(end.Err, pipeline.ErrFragmentNotFound) {
		t.Errorf("bad session terminal = %v / %v, want end with ErrFragmentNotFound", end.Kind, end.Err)
	}
	if got, want := texts(got["good"]), []string{"这是一个正常的句子。"}; !slices.Equal(got, want) {
		t.Errorf("good session = %q, want %q", got, want)
	}
	if end := last(got["good"]); end.Err != nil {
		t.Errorf("good session failed: %v", end.Err)
	}
}

func TestManager_CloseAbandonsUnendedSessions(t *testing.T) {
	t.Parallel()

	obs := &recordingObserver{}
	m, err := New(steadyConfig(), coarse(), WithObserver(obs))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	feed(t, m, "ended", "第一个会话结束了。")
	_ = m.EndSession(context.Background(), "ended")
	feed(t, m, "open", "第二个会话还在说话。没有结尾的半句")

	got := make(map[string][]Output)
	var wg sync.WaitGroup
	wg.Go(func() {
		for out := range m.Outputs() {
			got[out.SessionID] = append(got[out.SessionID], out)
		}
	})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	wg.Wait()

	if k := last(got["ended"]).Kind; k != KindEnd {
		t.Errorf("ended session terminal = %v", k)
	}
	if k := last(got["open"]).Kind; k != KindAbandoned {
		t.Errorf("open session terminal = %v, want abandoned", k)
	}
	// Queued input is processed before abandoning; the unterminated tail
	// is not flushed.
	if got, want := texts(got["open"]), []string{"第二个会话还在说话。"}; !slices.Equal(got, want) {
		t.Errorf("open session segments = %q, want %q", got, want)
	}
	if n := len(m.Sessions()); n != 0 {
		t.Errorf("%d sessions left after Close", n)
	}
	if got := obs.finished(); !slices.Equal(got, []string{"abandoned", "end"}) {
		t.Errorf("outcomes = %v", got)
	}
}

func TestManager_CloseDeadline(t *testing.T) {
	t.Parallel()

	m, err := New(steadyConfig(), coarse(), WithEgressBuffer(1))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	// Nobody reads the egress, so the session blocks on its second output.
	feed(t, m, "a", "第一句话在这里。第二句话在这里。第三句话在这里。")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := m.Close(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Close = %v, want deadline exceeded", err)
	}
	for range m.Outputs() {
	}
}

func TestManager_Stalled(t *testing.T) {
	t.Parallel()

	cfg := steadyConfig()
	cfg.MaxStreamTime = 50 * time.Millisecond
	m := newStarted(t, cfg, coarse())

	feed(t, m, "quiet", "一句完整的话就到这里。后面")

	outs := drainUntil(t, m, "quiet")["quiet"]
	if k := last(outs).Kind; k != KindStalled {
		t.Fatalf("terminal = %v, want stalled", k)
	}
	if got := texts(outs); !slices.Equal(got, []string{"一句完整的话就到这里。"}) {
		t.Errorf("segments = %q", got)
	}

	// The stalled session is released; new input starts a fresh one.
	deadline := time.Now().Add(5 * time.Second)
	for len(m.Sessions()) > 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if ids := m.Sessions(); len(ids) != 0 {
		t.Fatalf("sessions = %v after stall", ids)
	}
	feed(t, m, "quiet", "重新开始。")
	_ = m.EndSession(context.Background(), "quiet")
	if got := texts(drainUntil(t, m, "quiet")["quiet"]); !slices.Equal(got, []string{"重新开始。"}) {
		t.Errorf("fresh session segments = %q", got)
	}
}

func TestManager_StreamMode(t *testing.T) {
	t.Parallel()

	cfg := steadyConfig()
	cfg.FirstMinSegSize, cfg.MinSegSize = 2, 4
	m := newStarted(t, cfg, coarse(), WithMode(ModeStream))

	feed(t, m, "s", "你好。今天天气很好。")
	_ = m.EndSession(context.Background(), "s")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var segs []string
	for out := range m.Outputs() {
		if out.Terminal() {
			if out.Kind != KindEnd {
				t.Errorf("terminal = %v", out.Kind)
			}
			break
		}
		if out.Stream == nil || out.Text != "" {
			t.Fatalf("stream output = %+v", out)
		}
		text, err := out.Stream.Text(ctx)
		if err != nil {
			t.Fatalf("Text: %v", err)
		}
		segs = append(segs, text)
	}
	if want := []string{"你好。", "今天天气很好。"}; !slices.Equal(segs, want) {
		t.Errorf("segments = %q, want %q", segs, want)
	}
}

func TestManager_OutputHandler(t *testing.T) {
	t.Parallel()

	var (
		mu  sync.Mutex
		got []Output
	)
	m, err := New(steadyConfig(), coarse(), WithOutputHandler(func(o Output) {
		mu.Lock()
		got = append(got, o)
		mu.Unlock()
	}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	feed(t, m, "h", "推送模式的输出。")
	_ = m.EndSession(context.Background(), "h")
	if err := m.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 || got[0].Text != "推送模式的输出。" || got[1].Kind != KindEnd {
		t.Errorf("handled = %+v", got)
	}
}

func TestManager_SetConfig(t *testing.T) {
	t.Parallel()

	m := newStarted(t, steadyConfig(), coarse())

	bad := steadyConfig()
	bad.SegmentationSuffix = ""
	if err := m.SetConfig(bad); err == nil {
		t.Error("SetConfig accepted an invalid config")
	}

	// A tiny max segment size makes the next session cut every fragment.
	small := steadyConfig()
	small.FirstMinSegSize, small.MinSegSize, small.MaxSegSize = 1, 1, 2
	if err := m.SetConfig(small); err != nil {
		t.Fatalf("SetConfig: %v", err)
	}
	if m.Config().MaxSegSize != 2 {
		t.Errorf("Config().MaxSegSize = %d", m.Config().MaxSegSize)
	}

	feed(t, m, "n", "一二三四。")
	_ = m.EndSession(context.Background(), "n")
	for _, s := range texts(drainUntil(t, m, "n")["n"]) {
		if n := len([]rune(s)); n > 2 {
			t.Errorf("segment %q longer than the new max segment size", s)
		}
	}
}

func TestParseMode(t *testing.T) {
	t.Parallel()

	for in, want := range map[string]Mode{"": ModeText, "text": ModeText, " Stream ": ModeStream} {
		got, err := ParseMode(in)
		if err != nil || got != want {
			t.Errorf("ParseMode(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := ParseMode("audio"); err == nil {
		t.Error("ParseMode(audio) succeeded")
	}
	if ModeStream.String() != "stream" || KindStalled.String() != "stalled" {
		t.Error("unexpected String() values")
	}
}

type recordingObserver struct {
	mu       sync.Mutex
	started  int
	outcomes []string
}

func (r *recordingObserver) SessionStarted(context.Context) {
	r.mu.Lock()
	r.started++
	r.mu.Unlock()
}

func (r *recordingObserver) SessionFinished(_ context.Context, outcome string) {
	r.mu.Lock()
	r.outcomes = append(r.outcomes, outcome)
	r.mu.Unlock()
}

func (r *recordingObserver) finished() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := slices.Clone(r.outcomes)
	slices.Sort(out)
	return out
}
