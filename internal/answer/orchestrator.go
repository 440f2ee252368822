// Package answer is the read-path orchestrator: a question becomes an
// embedded query, a similarity search, an assembled context, and a streamed,
// citation-bearing answer with stall-detection fallback and cancellation.
package answer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/quiver0/quiver/internal/embed"
	"github.com/quiver0/quiver/internal/generate"
	"github.com/quiver0/quiver/internal/vecstore"
)

// Orchestration errors.
var (
	ErrMissingQuery      = errors.New("query is empty")
	ErrNoIndexSelected   = errors.New("no index selected")
	ErrNoSourcesSelected = errors.New("no sources selected")

	// ErrUnavailable is the degraded-service error: the index is unhealthy
	// or its circuit is open. Retry shortly rather than treating it as a
	// hard failure.
	ErrUnavailable = errors.New("index temporarily unavailable")
)

// ConversationMode selects where conversation memory lives.
type ConversationMode string

const (
	// ModeClientBounded sends a bounded window of local finalized turns
	// with every request.
	ModeClientBounded ConversationMode = "client"

	// ModeServerManaged reuses a provider-side conversation ID and sends no
	// local history.
	ModeServerManaged ConversationMode = "server"
)

// Defaults for orchestrator tuning knobs.
const (
	DefaultTopK            = 10
	DefaultContextResults  = 5
	DefaultHistoryWindow   = 8
	DefaultWatchdogTimeout = 30 * time.Second
	DefaultNoticeExpiry    = 8 * time.Second

	eventBuffer = 64
)

// Store is the slice of the vector store client the orchestrator needs.
type Store interface {
	ActiveIndex() string
	Healthy(ctx context.Context) bool
	Query(ctx context.Context, req vecstore.QueryRequest) (*vecstore.QueryResponse, error)
}

// Config contains all parameters for the orchestrator.
type Config struct {
	Store     Store
	Embedder  embed.Embedder
	Generator generate.Generator
	Logger    *slog.Logger

	SystemPrompt     string
	ConversationMode ConversationMode
	Namespace        string
	Filters          []vecstore.Filter

	// Tuning (zero values use the defaults above).
	TopK            int
	ContextResults  int
	HistoryWindow   int
	WatchdogTimeout time.Duration
	NoticeExpiry    time.Duration
}

func (cfg Config) validate() error {
	if cfg.Store == nil {
		return fmt.Errorf("store is required")
	}
	if cfg.Embedder == nil {
		return fmt.Errorf("embedder is required")
	}
	if cfg.Generator == nil {
		return fmt.Errorf("generator is required")
	}
	if cfg.Logger == nil {
		return fmt.Errorf("logger is required")
	}
	switch cfg.ConversationMode {
	case "", ModeClientBounded, ModeServerManaged:
	default:
		return fmt.Errorf("unknown conversation mode %q", cfg.ConversationMode)
	}
	return nil
}

// activeQuery is the cancellation state for one in-flight question.
type activeQuery struct {
	turnID         uuid.UUID
	cancelStream   context.CancelFunc
	cancelWatchdog context.CancelFunc

	explicitStop  atomic.Bool // user-initiated Stop
	watchdogFired atomic.Bool // watchdog cancelled a stalled stream
}

// Orchestrator coordinates embedding, retrieval, and streaming generation
// for one conversation. One query is active at a time: a new question
// supersedes any still-running stream and its watchdog.
type Orchestrator struct {
	store  Store
	embed  embed.Embedder
	gen    generate.Generator
	logger *slog.Logger

	systemPrompt string
	mode         ConversationMode
	namespace    string
	filters      []vecstore.Filter

	topK            int
	contextResults  int
	historyWindow   int
	watchdogTimeout time.Duration
	noticeExpiry    time.Duration

	history *History
	events  chan Event

	mu             sync.Mutex
	active         *activeQuery
	conversationID string
	lastQuery      string
	lastUserID     uuid.UUID
	lastResults    []Result
}

// New creates an orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("answer config: %w", err)
	}

	if cfg.ConversationMode == "" {
		cfg.ConversationMode = ModeClientBounded
	}
	if cfg.TopK == 0 {
		cfg.TopK = DefaultTopK
	}
	if cfg.ContextResults == 0 {
		cfg.ContextResults = DefaultContextResults
	}
	if cfg.HistoryWindow == 0 {
		cfg.HistoryWindow = DefaultHistoryWindow
	}
	if cfg.WatchdogTimeout == 0 {
		cfg.WatchdogTimeout = DefaultWatchdogTimeout
	}
	if cfg.NoticeExpiry == 0 {
		cfg.NoticeExpiry = DefaultNoticeExpiry
	}

	return &Orchestrator{
		store:           cfg.Store,
		embed:           cfg.Embedder,
		gen:             cfg.Generator,
		logger:          cfg.Logger,
		systemPrompt:    cfg.SystemPrompt,
		mode:            cfg.ConversationMode,
		namespace:       cfg.Namespace,
		filters:         cfg.Filters,
		topK:            cfg.TopK,
		contextResults:  cfg.ContextResults,
		historyWindow:   cfg.HistoryWindow,
		watchdogTimeout: cfg.WatchdogTimeout,
		noticeExpiry:    cfg.NoticeExpiry,
		history:         NewHistory(),
		events:          make(chan Event, eventBuffer),
	}, nil
}

// Events is the conversation update stream. A lagging consumer loses
// events; it never blocks the answer path.
func (o *Orchestrator) Events() <-chan Event { return o.events }

// History exposes the conversation turn list.
func (o *Orchestrator) History() *History { return o.history }

// LastResults returns the sources retrieved by the most recent query, for
// display and for curating a Regenerate call.
func (o *Orchestrator) LastResults() []Result {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Result, len(o.lastResults))
	copy(out, o.lastResults)
	return out
}

// Ask answers one question: embed, search, assemble context, stream. It
// blocks until the assistant turn is finalized or failed. Starting a new
// question cancels any still-active previous stream and its watchdog.
func (o *Orchestrator) Ask(ctx context.Context, query string) error {
	query = strings.TrimSpace(query)
	if query == "" {
		return ErrMissingQuery
	}
	if o.store.ActiveIndex() == "" {
		o.notify("select an index before asking", ErrNoIndexSelected)
		return ErrNoIndexSelected
	}

	o.supersede()

	userID := o.history.Append(generate.RoleUser, query, StatusNormal)
	o.emit(Event{Kind: EventTurnAdded, TurnID: userID})

	if !o.store.Healthy(ctx) {
		o.notify("index temporarily unavailable, retry shortly", ErrUnavailable)
		return ErrUnavailable
	}

	vector, err := o.embed.Embed(ctx, query)
	if err != nil {
		o.notify("could not embed the question", err)
		return fmt.Errorf("embedding query: %w", err)
	}

	resp, err := o.store.Query(ctx, vecstore.QueryRequest{
		Vector:    vector,
		TopK:      o.topK,
		Namespace: o.namespace,
		Filter:    vecstore.And(o.filters...),
	})
	if err != nil {
		if errors.Is(err, vecstore.ErrCircuitOpen) {
			o.notify("index temporarily unavailable, retry shortly", err)
			return ErrUnavailable
		}
		o.notify("search failed", err)
		return fmt.Errorf("querying index: %w", err)
	}

	results := resultsFromMatches(resp.Matches)
	o.mu.Lock()
	o.lastQuery = query
	o.lastUserID = userID
	o.lastResults = results
	o.mu.Unlock()

	return o.generateAnswer(ctx, query, userID, results)
}

// Regenerate re-answers the last question using a user-curated subset of its
// retrieved sources instead of a fresh search. The same streaming, watchdog,
// and fallback machinery applies.
func (o *Orchestrator) Regenerate(ctx context.Context, resultIDs []string) error {
	o.mu.Lock()
	query := o.lastQuery
	userID := o.lastUserID
	pool := o.lastResults
	o.mu.Unlock()

	if query == "" {
		return ErrMissingQuery
	}

	want := make(map[string]bool, len(resultIDs))
	for _, id := range resultIDs {
		want[id] = true
	}
	var selected []Result
	for _, r := range pool {
		if want[r.ID] {
			selected = append(selected, r)
		}
	}
	if len(selected) == 0 {
		return ErrNoSourcesSelected
	}

	o.supersede()
	return o.generateAnswer(ctx, query, userID, selected)
}

// Stop cancels the in-flight stream and its watchdog. The turn keeps any
// text already streamed; with no text it is marked failed.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	q := o.active
	o.mu.Unlock()
	if q == nil {
		return
	}
	q.explicitStop.Store(true)
	q.cancelWatchdog()
	q.cancelStream()
}

// NewTopic clears the conversation: local turns, retained results, and any
// server-side conversation state.
func (o *Orchestrator) NewTopic() {
	o.supersede()

	o.mu.Lock()
	conversationID := o.conversationID
	o.conversationID = ""
	o.lastQuery = ""
	o.lastUserID = uuid.Nil
	o.lastResults = nil
	o.mu.Unlock()

	if conversationID != "" {
		o.gen.EndConversation(conversationID)
	}
	o.history.Clear()
}

// generateAnswer runs the shared generation path for Ask and Regenerate:
// context assembly, the streaming placeholder turn, the watchdog, and the
// fallback policy.
func (o *Orchestrator) generateAnswer(ctx context.Context, query string, userID uuid.UUID, results []Result) error {
	contextBlock, citations := assembleContext(results, o.contextResults)

	turnID := o.history.Append(generate.RoleAssistant, "", StatusStreaming)
	o.emit(Event{Kind: EventTurnAdded, TurnID: turnID})

	req := generate.Request{
		System:  o.systemPrompt,
		Context: contextBlock,
		Message: query,
	}
	if o.mode == ModeServerManaged {
		req.ConversationID = o.ensureConversation()
	} else {
		req.History = o.modelHistory(userID, turnID)
	}

	streamCtx, cancelStream := context.WithCancel(ctx)
	defer cancelStream()
	// The watchdog must outlive a cancelled stream so it can still trigger
	// the fallback; it is a child of nothing but its own cancel func.
	watchCtx, cancelWatchdog := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWatchdog()

	q := &activeQuery{turnID: turnID, cancelStream: cancelStream, cancelWatchdog: cancelWatchdog}
	o.setActive(q)
	defer o.clearActive(q)

	go o.watchdog(watchCtx, q)

	_, err := o.gen.Stream(streamCtx, req, func(delta string) error {
		if err := streamCtx.Err(); err != nil {
			return err
		}
		o.history.AppendText(turnID, delta)
		o.emit(Event{Kind: EventDelta, TurnID: turnID, Delta: delta})
		return nil
	})

	textLen := o.history.TextLen(turnID)

	switch {
	case err == nil && textLen > 0:
		cancelWatchdog()
		o.finalize(turnID, citations)
		return nil

	case err == nil:
		// The provider completed the stream without ever emitting a delta.
		cancelWatchdog()
		o.logger.Warn("stream completed empty, falling back", "turn", turnID)
		return o.fallback(ctx, req, turnID, citations)

	case streamCanceled(streamCtx, err):
		if q.watchdogFired.Load() {
			// Detached: the fallback must not inherit the cancelled stream.
			return o.fallback(context.WithoutCancel(ctx), req, turnID, citations)
		}
		// Explicit stop, a superseding query, or parent cancellation.
		cancelWatchdog()
		if textLen > 0 {
			o.finalize(turnID, citations)
		} else {
			o.failTurn(turnID)
		}
		return nil

	default:
		// Mid-stream failure: keep the partial text, try one fallback.
		cancelWatchdog()
		o.logger.Error("stream failed", "turn", turnID, "error", err)
		if fbErr := o.fallback(ctx, req, turnID, citations); fbErr != nil {
			return fmt.Errorf("streaming answer: %w", err)
		}
		return nil
	}
}

// watchdog cancels the stream if no text has arrived within the window. It
// acts only on a still-empty turn; once text exists it is a no-op.
func (o *Orchestrator) watchdog(ctx context.Context, q *activeQuery) {
	timer := time.NewTimer(o.watchdogTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}

	if o.history.TextLen(q.turnID) > 0 {
		return
	}
	q.watchdogFired.Store(true)
	o.logger.Warn("stream stalled with no output, cancelling for fallback", "turn", q.turnID)
	q.cancelStream()
}

// fallback issues the one-shot completion with the same request and
// finalizes the turn with its text.
func (o *Orchestrator) fallback(ctx context.Context, req generate.Request, turnID uuid.UUID, citations []string) error {
	res, err := o.gen.Complete(ctx, req)
	if err != nil {
		o.failTurn(turnID)
		o.notify("answer generation failed", err)
		return fmt.Errorf("fallback completion: %w", err)
	}
	o.history.SetText(turnID, res.Text)
	o.finalize(turnID, citations)
	return nil
}

func (o *Orchestrator) finalize(turnID uuid.UUID, citations []string) {
	o.history.Finalize(turnID, citations)
	o.emit(Event{Kind: EventTurnFinalized, TurnID: turnID})
}

func (o *Orchestrator) failTurn(turnID uuid.UUID) {
	o.history.MarkError(turnID)
	o.emit(Event{Kind: EventTurnFailed, TurnID: turnID})
}

// modelHistory builds the bounded client-side history, excluding the
// in-flight user turn and the streaming placeholder.
func (o *Orchestrator) modelHistory(exclude ...uuid.UUID) []generate.Turn {
	turns := o.history.Window(o.historyWindow, exclude...)
	out := make([]generate.Turn, len(turns))
	for i, t := range turns {
		out[i] = generate.Turn{Role: t.Role, Text: t.Text}
	}
	return out
}

func (o *Orchestrator) ensureConversation() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.conversationID == "" {
		o.conversationID = o.gen.NewConversation()
	}
	return o.conversationID
}

// supersede cancels the previous query's stream and watchdog.
func (o *Orchestrator) supersede() {
	o.mu.Lock()
	q := o.active
	o.active = nil
	o.mu.Unlock()
	if q != nil {
		q.cancelWatchdog()
		q.cancelStream()
	}
}

func (o *Orchestrator) setActive(q *activeQuery) {
	o.mu.Lock()
	o.active = q
	o.mu.Unlock()
}

func (o *Orchestrator) clearActive(q *activeQuery) {
	o.mu.Lock()
	if o.active == q {
		o.active = nil
	}
	o.mu.Unlock()
}

func streamCanceled(ctx context.Context, err error) bool {
	return ctx.Err() != nil || errors.Is(err, context.Canceled)
}
