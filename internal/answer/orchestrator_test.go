package answer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/quiver0/quiver/internal/generate"
	"github.com/quiver0/quiver/internal/log"
	"github.com/quiver0/quiver/internal/vecstore"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeStore struct {
	index   string
	healthy bool
	matches []vecstore.Match

	queries atomic.Int32
	lastReq vecstore.QueryRequest
	mu      sync.Mutex
}

func (s *fakeStore) ActiveIndex() string            { return s.index }
func (s *fakeStore) Healthy(context.Context) bool   { return s.healthy }
func (s *fakeStore) Query(_ context.Context, req vecstore.QueryRequest) (*vecstore.QueryResponse, error) {
	s.queries.Add(1)
	s.mu.Lock()
	s.lastReq = req
	s.mu.Unlock()
	return &vecstore.QueryResponse{Matches: s.matches}, nil
}

type fakeEmbedder struct {
	calls atomic.Int32
}

func (e *fakeEmbedder) Embed(context.Context, string) ([]float32, error) {
	e.calls.Add(1)
	return []float32{0.1, 0.2, 0.3}, nil
}

func (e *fakeEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = []float32{0.1, 0.2, 0.3}
	}
	return out, nil
}

func (e *fakeEmbedder) Dimension() int { return 3 }

type fakeGenerator struct {
	streamFn   func(ctx context.Context, req generate.Request, onDelta func(string) error) (generate.Result, error)
	completeFn func(ctx context.Context, req generate.Request) (generate.Result, error)

	mu            sync.Mutex
	streamReqs    []generate.Request
	completeReqs  []generate.Request
	conversations atomic.Int32
	ended         []string
}

func (g *fakeGenerator) Stream(ctx context.Context, req generate.Request, onDelta func(string) error) (generate.Result, error) {
	g.mu.Lock()
	g.streamReqs = append(g.streamReqs, req)
	g.mu.Unlock()
	return g.streamFn(ctx, req, onDelta)
}

func (g *fakeGenerator) Complete(ctx context.Context, req generate.Request) (generate.Result, error) {
	g.mu.Lock()
	g.completeReqs = append(g.completeReqs, req)
	g.mu.Unlock()
	if g.completeFn == nil {
		return generate.Result{}, errors.New("no completion configured")
	}
	return g.completeFn(ctx, req)
}

func (g *fakeGenerator) NewConversation() string {
	n := g.conversations.Add(1)
	return []string{"conv-1", "conv-2", "conv-3"}[n-1]
}

func (g *fakeGenerator) EndConversation(id string) {
	g.mu.Lock()
	g.ended = append(g.ended, id)
	g.mu.Unlock()
}

func (g *fakeGenerator) completeCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.completeReqs)
}

func (g *fakeGenerator) lastStreamReq() generate.Request {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.streamReqs[len(g.streamReqs)-1]
}

func match(id, fileName, text string) vecstore.Match {
	return vecstore.Match{
		ID:    id,
		Score: 0.9,
		Metadata: vecstore.Metadata{
			"file_name": vecstore.String(fileName),
			"text":      vecstore.String(text),
		},
	}
}

func newTestOrchestrator(t *testing.T, gen *fakeGenerator, opts ...func(*Config)) (*Orchestrator, *fakeStore) {
	t.Helper()

	store := &fakeStore{
		index:   "notes",
		healthy: true,
		matches: []vecstore.Match{
			match("v1", "go-notes.md", "Generics arrived in Go 1.18."),
			match("v2", "history.md", "Go was announced in 2009."),
		},
	}
	cfg := Config{
		Store:           store,
		Embedder:        &fakeEmbedder{},
		Generator:       gen,
		Logger:          log.NewNop(),
		WatchdogTimeout: 200 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	o, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return o, store
}

// assistantTurns returns the assistant turns in order.
func assistantTurns(o *Orchestrator) []Turn {
	var out []Turn
	for _, t := range o.history.Turns() {
		if t.Role == generate.RoleAssistant {
			out = append(out, t)
		}
	}
	return out
}

func TestAsk_StreamsAndFinalizes(t *testing.T) {
	gen := &fakeGenerator{
		streamFn: func(_ context.Context, _ generate.Request, onDelta func(string) error) (generate.Result, error) {
			for _, d := range []string{"Generics arrived ", "in Go 1.18."} {
				if err := onDelta(d); err != nil {
					return generate.Result{}, err
				}
			}
			return generate.Result{Text: "Generics arrived in Go 1.18."}, nil
		},
	}
	o, _ := newTestOrchestrator(t, gen)

	if err := o.Ask(context.Background(), "when did Go get generics?"); err != nil {
		t.Fatalf("Ask: %v", err)
	}

	turns := assistantTurns(o)
	if len(turns) != 1 {
		t.Fatalf("assistant turns = %d, want 1", len(turns))
	}
	turn := turns[0]
	if turn.Status != StatusNormal {
		t.Errorf("status = %q, want normal", turn.Status)
	}
	if turn.Text != "Generics arrived in Go 1.18." {
		t.Errorf("text = %q", turn.Text)
	}
	if len(turn.Citations) != 2 || turn.Citations[0] != "go-notes.md" || turn.Citations[1] != "history.md" {
		t.Errorf("citations = %v", turn.Citations)
	}

	// The request carried the assembled source blocks.
	req := gen.lastStreamReq()
	want := "Source: go-notes.md\nGenerics arrived in Go 1.18.\n\nSource: history.md\nGo was announced in 2009."
	if req.Context != want {
		t.Errorf("context = %q, want %q", req.Context, want)
	}
	if req.Message != "when did Go get generics?" {
		t.Errorf("message = %q", req.Message)
	}
}

func TestAsk_DomainErrorsFailFastWithoutNetwork(t *testing.T) {
	gen := &fakeGenerator{}
	o, store := newTestOrchestrator(t, gen)

	if err := o.Ask(context.Background(), "   "); !errors.Is(err, ErrMissingQuery) {
		t.Errorf("empty query err = %v, want ErrMissingQuery", err)
	}

	store.index = ""
	if err := o.Ask(context.Background(), "anything"); !errors.Is(err, ErrNoIndexSelected) {
		t.Errorf("no index err = %v, want ErrNoIndexSelected", err)
	}
	if store.queries.Load() != 0 {
		t.Error("domain errors must not reach the network")
	}
}

func TestAsk_UnhealthyIndexFailsFast(t *testing.T) {
	gen := &fakeGenerator{}
	o, store := newTestOrchestrator(t, gen)
	store.healthy = false

	emb := o.embed.(*fakeEmbedder)
	if err := o.Ask(context.Background(), "anything"); !errors.Is(err, ErrUnavailable) {
		t.Errorf("err = %v, want ErrUnavailable", err)
	}
	if emb.calls.Load() != 0 {
		t.Error("an unhealthy index must short-circuit before embedding")
	}
}

func TestAsk_WatchdogFallback(t *testing.T) {
	var fallbackCtxErr error
	gen := &fakeGenerator{
		streamFn: func(ctx context.Context, _ generate.Request, _ func(string) error) (generate.Result, error) {
			// A stalled provider: no deltas until cancelled.
			<-ctx.Done()
			return generate.Result{}, ctx.Err()
		},
		completeFn: func(ctx context.Context, _ generate.Request) (generate.Result, error) {
			fallbackCtxErr = ctx.Err()
			return generate.Result{Text: "fallback answer"}, nil
		},
	}
	o, _ := newTestOrchestrator(t, gen, func(cfg *Config) {
		cfg.WatchdogTimeout = 20 * time.Millisecond
	})

	if err := o.Ask(context.Background(), "anything"); err != nil {
		t.Fatalf("Ask: %v", err)
	}

	turn := assistantTurns(o)[0]
	if turn.Status != StatusNormal {
		t.Errorf("status = %q, want normal after fallback", turn.Status)
	}
	if turn.Text != "fallback answer" {
		t.Errorf("text = %q, want fallback text", turn.Text)
	}
	if len(turn.Citations) == 0 {
		t.Error("fallback turn should keep its citations")
	}
	// The fallback ran detached from the cancelled stream context.
	if fallbackCtxErr != nil {
		t.Errorf("fallback context already cancelled: %v", fallbackCtxErr)
	}
}

func TestAsk_ZeroDeltaCompletionFallsBack(t *testing.T) {
	gen := &fakeGenerator{
		streamFn: func(context.Context, generate.Request, func(string) error) (generate.Result, error) {
			// Stream completes cleanly without ever emitting a delta.
			return generate.Result{}, nil
		},
		completeFn: func(context.Context, generate.Request) (generate.Result, error) {
			return generate.Result{Text: "fallback answer"}, nil
		},
	}
	o, _ := newTestOrchestrator(t, gen)

	if err := o.Ask(context.Background(), "anything"); err != nil {
		t.Fatalf("Ask: %v", err)
	}
	turn := assistantTurns(o)[0]
	if turn.Status != StatusNormal || turn.Text != "fallback answer" {
		t.Errorf("turn = %q/%q, want normal fallback text", turn.Status, turn.Text)
	}
}

func TestStop_PartialTextIsPreserved(t *testing.T) {
	deltaSent := make(chan struct{})
	gen := &fakeGenerator{
		streamFn: func(ctx context.Context, _ generate.Request, onDelta func(string) error) (generate.Result, error) {
			if err := onDelta("partial answer"); err != nil {
				return generate.Result{}, err
			}
			close(deltaSent)
			<-ctx.Done()
			return generate.Result{}, ctx.Err()
		},
	}
	o, _ := newTestOrchestrator(t, gen)

	done := make(chan error, 1)
	go func() { done <- o.Ask(context.Background(), "anything") }()

	<-deltaSent
	o.Stop()
	if err := <-done; err != nil {
		t.Fatalf("explicit stop must not surface an error, got %v", err)
	}

	turn := assistantTurns(o)[0]
	if turn.Status != StatusNormal {
		t.Errorf("status = %q, want normal (text had arrived)", turn.Status)
	}
	if turn.Text != "partial answer" {
		t.Errorf("text = %q, want preserved partial", turn.Text)
	}
	if gen.completeCount() != 0 {
		t.Error("explicit stop must not trigger the fallback")
	}
}

func TestStop_NoTextMarksError(t *testing.T) {
	started := make(chan struct{})
	gen := &fakeGenerator{
		streamFn: func(ctx context.Context, _ generate.Request, _ func(string) error) (generate.Result, error) {
			close(started)
			<-ctx.Done()
			return generate.Result{}, ctx.Err()
		},
	}
	o, _ := newTestOrchestrator(t, gen)

	done := make(chan error, 1)
	go func() { done <- o.Ask(context.Background(), "anything") }()

	<-started
	o.Stop()
	if err := <-done; err != nil {
		t.Fatalf("explicit stop must not surface an error, got %v", err)
	}

	turn := assistantTurns(o)[0]
	if turn.Status != StatusError {
		t.Errorf("status = %q, want error (nothing was produced)", turn.Status)
	}
	if gen.completeCount() != 0 {
		t.Error("explicit stop must not trigger the fallback")
	}
}

func TestAsk_NewQuerySupersedesPreviousStream(t *testing.T) {
	firstStarted := make(chan struct{})
	var call atomic.Int32
	gen := &fakeGenerator{
		streamFn: func(ctx context.Context, _ generate.Request, onDelta func(string) error) (generate.Result, error) {
			if call.Add(1) == 1 {
				close(firstStarted)
				<-ctx.Done()
				return generate.Result{}, ctx.Err()
			}
			if err := onDelta("second answer"); err != nil {
				return generate.Result{}, err
			}
			return generate.Result{Text: "second answer"}, nil
		},
	}
	o, _ := newTestOrchestrator(t, gen)

	firstDone := make(chan error, 1)
	go func() { firstDone <- o.Ask(context.Background(), "first question") }()
	<-firstStarted

	if err := o.Ask(context.Background(), "second question"); err != nil {
		t.Fatalf("second Ask: %v", err)
	}
	if err := <-firstDone; err != nil {
		t.Fatalf("superseded Ask should return quietly, got %v", err)
	}

	turns := assistantTurns(o)
	if len(turns) != 2 {
		t.Fatalf("assistant turns = %d, want 2", len(turns))
	}
	if turns[0].Status != StatusError {
		t.Errorf("superseded turn status = %q, want error (no text)", turns[0].Status)
	}
	if turns[1].Status != StatusNormal || turns[1].Text != "second answer" {
		t.Errorf("second turn = %q/%q", turns[1].Status, turns[1].Text)
	}
	if gen.completeCount() != 0 {
		t.Error("supersession must not trigger the fallback")
	}
}

func TestAsk_ClientBoundedHistoryWindow(t *testing.T) {
	gen := &fakeGenerator{
		streamFn: func(_ context.Context, _ generate.Request, onDelta func(string) error) (generate.Result, error) {
			_ = onDelta("ok")
			return generate.Result{Text: "ok"}, nil
		},
	}
	o, _ := newTestOrchestrator(t, gen)

	// 12 prior finalized turns.
	texts := []string{
		"turn-01", "turn-02", "turn-03", "turn-04", "turn-05", "turn-06",
		"turn-07", "turn-08", "turn-09", "turn-10", "turn-11", "turn-12",
	}
	for i, text := range texts {
		role := generate.RoleUser
		if i%2 == 1 {
			role = generate.RoleAssistant
		}
		o.history.Append(role, text, StatusNormal)
	}
	// Non-normal turns never enter model history.
	o.history.Append(generate.RoleAssistant, "half-streamed", StatusStreaming)
	o.history.Append(generate.RoleAssistant, "broken", StatusError)

	if err := o.Ask(context.Background(), "the new question"); err != nil {
		t.Fatalf("Ask: %v", err)
	}

	history := gen.lastStreamReq().History
	if len(history) != 8 {
		t.Fatalf("history = %d turns, want exactly 8", len(history))
	}
	for i, turn := range history {
		want := texts[4+i] // turn-05 .. turn-12, oldest first
		if turn.Text != want {
			t.Errorf("history[%d] = %q, want %q", i, turn.Text, want)
		}
	}
	for _, turn := range history {
		if turn.Text == "the new question" {
			t.Error("in-flight user turn must not appear in history")
		}
		if turn.Text == "half-streamed" || turn.Text == "broken" {
			t.Errorf("non-normal turn %q leaked into history", turn.Text)
		}
	}
}

func TestAsk_ServerManagedConversation(t *testing.T) {
	gen := &fakeGenerator{
		streamFn: func(_ context.Context, _ generate.Request, onDelta func(string) error) (generate.Result, error) {
			_ = onDelta("ok")
			return generate.Result{Text: "ok"}, nil
		},
	}
	o, _ := newTestOrchestrator(t, gen, func(cfg *Config) {
		cfg.ConversationMode = ModeServerManaged
	})

	if err := o.Ask(context.Background(), "first"); err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if err := o.Ask(context.Background(), "second"); err != nil {
		t.Fatalf("Ask: %v", err)
	}

	gen.mu.Lock()
	reqs := append([]generate.Request(nil), gen.streamReqs...)
	gen.mu.Unlock()
	if reqs[0].ConversationID != "conv-1" || reqs[1].ConversationID != "conv-1" {
		t.Errorf("conversation IDs = %q, %q, want conv-1 reused", reqs[0].ConversationID, reqs[1].ConversationID)
	}
	if len(reqs[0].History) != 0 || len(reqs[1].History) != 0 {
		t.Error("server-managed mode must not send local history")
	}

	// A new topic discards the server conversation; the next ask opens a
	// fresh one.
	o.NewTopic()
	gen.mu.Lock()
	ended := append([]string(nil), gen.ended...)
	gen.mu.Unlock()
	if len(ended) != 1 || ended[0] != "conv-1" {
		t.Errorf("ended conversations = %v, want [conv-1]", ended)
	}

	if err := o.Ask(context.Background(), "third"); err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if got := gen.lastStreamReq().ConversationID; got != "conv-2" {
		t.Errorf("conversation after new topic = %q, want conv-2", got)
	}
}

func TestRegenerate_UsesCuratedSubset(t *testing.T) {
	gen := &fakeGenerator{
		streamFn: func(_ context.Context, _ generate.Request, onDelta func(string) error) (generate.Result, error) {
			_ = onDelta("answer")
			return generate.Result{Text: "answer"}, nil
		},
	}
	o, _ := newTestOrchestrator(t, gen)

	if err := o.Regenerate(context.Background(), []string{"v1"}); !errors.Is(err, ErrMissingQuery) {
		t.Errorf("regenerate before any ask = %v, want ErrMissingQuery", err)
	}

	if err := o.Ask(context.Background(), "the question"); err != nil {
		t.Fatalf("Ask: %v", err)
	}

	if err := o.Regenerate(context.Background(), []string{"unknown"}); !errors.Is(err, ErrNoSourcesSelected) {
		t.Errorf("unknown IDs = %v, want ErrNoSourcesSelected", err)
	}

	if err := o.Regenerate(context.Background(), []string{"v2"}); err != nil {
		t.Fatalf("Regenerate: %v", err)
	}

	req := gen.lastStreamReq()
	if want := "Source: history.md\nGo was announced in 2009."; req.Context != want {
		t.Errorf("regenerate context = %q, want only the curated source", req.Context)
	}
	if req.Message != "the question" {
		t.Errorf("regenerate message = %q, want the original question", req.Message)
	}
}

func TestAsk_MidStreamFailureFallsBack(t *testing.T) {
	gen := &fakeGenerator{
		streamFn: func(_ context.Context, _ generate.Request, onDelta func(string) error) (generate.Result, error) {
			_ = onDelta("partial ")
			return generate.Result{Text: "partial "}, errors.New("connection reset")
		},
		completeFn: func(context.Context, generate.Request) (generate.Result, error) {
			return generate.Result{Text: "complete recovered answer"}, nil
		},
	}
	o, _ := newTestOrchestrator(t, gen)

	if err := o.Ask(context.Background(), "anything"); err != nil {
		t.Fatalf("Ask: %v", err)
	}
	turn := assistantTurns(o)[0]
	if turn.Status != StatusNormal || turn.Text != "complete recovered answer" {
		t.Errorf("turn = %q/%q, want recovered fallback", turn.Status, turn.Text)
	}
}

func TestAsk_MidStreamFailureWithFailedFallback(t *testing.T) {
	gen := &fakeGenerator{
		streamFn: func(_ context.Context, _ generate.Request, onDelta func(string) error) (generate.Result, error) {
			_ = onDelta("partial text")
			return generate.Result{Text: "partial text"}, errors.New("connection reset")
		},
		completeFn: func(context.Context, generate.Request) (generate.Result, error) {
			return generate.Result{}, errors.New("also down")
		},
	}
	o, _ := newTestOrchestrator(t, gen)

	if err := o.Ask(context.Background(), "anything"); err == nil {
		t.Fatal("expected error when stream and fallback both fail")
	}
	turn := assistantTurns(o)[0]
	if turn.Status != StatusError {
		t.Errorf("status = %q, want error", turn.Status)
	}
	if turn.Text != "partial text" {
		t.Errorf("text = %q, streamed text must be preserved", turn.Text)
	}
}

func TestExtractionChain(t *testing.T) {
	tests := []struct {
		name string
		md   vecstore.Metadata
		want string
	}{
		{
			name: "node content json",
			md: vecstore.Metadata{
				"_node_content": vecstore.String(`{"text": "nested chunk text", "id_": "x"}`),
				"text":          vecstore.String("raw text field"),
			},
			want: "nested chunk text",
		},
		{
			name: "malformed node content falls back to text",
			md: vecstore.Metadata{
				"_node_content": vecstore.String(`not json at all`),
				"text":          vecstore.String("raw text field"),
			},
			want: "raw text field",
		},
		{
			name: "node content without text field falls back",
			md: vecstore.Metadata{
				"_node_content": vecstore.String(`{"id_": "x"}`),
				"text":          vecstore.String("raw text field"),
			},
			want: "raw text field",
		},
		{
			name: "nothing usable yields sentinel",
			md:   vecstore.Metadata{"page": vecstore.Number(3)},
			want: "No content",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := matchContent(tt.md); got != tt.want {
				t.Errorf("matchContent = %q, want %q", got, tt.want)
			}
		})
	}
}
