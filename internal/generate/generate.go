// Package generate wraps the Gemini generation API behind a provider-neutral
// Generator. It supports token streaming, a non-streaming completion path,
// and server-managed conversations keyed by opaque IDs.
package generate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"google.golang.org/genai"
)

// Generation errors.
var (
	ErrEmptyMessage    = errors.New("message is empty")
	ErrEmptyCompletion = errors.New("model returned no text")
)

// Role tags one side of a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one prior exchange half supplied as client-side history.
type Turn struct {
	Role Role
	Text string
}

// Request describes one generation call.
type Request struct {
	// System is the system prompt. Optional.
	System string

	// Context is the assembled retrieval context, prepended to the message
	// inside the final user turn. Optional.
	Context string

	// Message is the user's question.
	Message string

	// History is prior turns sent with the request. Ignored when
	// ConversationID is set: the conversation state lives here instead.
	History []Turn

	// ConversationID selects a server-managed conversation. Empty means
	// stateless: only History and Message are sent.
	ConversationID string
}

// Result is the outcome of a generation call.
type Result struct {
	Text string
}

// Generator produces answers from a prompt plus conversation state.
type Generator interface {
	// Stream generates an answer, invoking onDelta for each text fragment as
	// it arrives. The full accumulated text is returned. A non-nil error from
	// onDelta aborts the stream and is returned as-is.
	Stream(ctx context.Context, req Request, onDelta func(delta string) error) (Result, error)

	// Complete generates an answer without streaming.
	Complete(ctx context.Context, req Request) (Result, error)

	// NewConversation opens a server-managed conversation and returns its ID.
	NewConversation() string

	// EndConversation discards a server-managed conversation's state.
	EndConversation(id string)
}

// Config contains all parameters for the Gemini generator.
type Config struct {
	APIKey string
	Model  string // e.g. "gemini-2.5-flash"
	Logger *slog.Logger

	// Temperature in [0.0, 2.0]. Zero uses the model default.
	Temperature float32
}

func (cfg Config) validate() error {
	if cfg.APIKey == "" {
		return fmt.Errorf("API key is required")
	}
	if cfg.Model == "" {
		return fmt.Errorf("model is required")
	}
	if cfg.Temperature < 0.0 || cfg.Temperature > 2.0 {
		return fmt.Errorf("temperature must be between 0.0 and 2.0, got %.2f", cfg.Temperature)
	}
	if cfg.Logger == nil {
		return fmt.Errorf("logger is required")
	}
	return nil
}

// Gemini is a Generator backed by the Gemini models. It is safe for
// concurrent use; conversation state is guarded internally.
type Gemini struct {
	client        *genai.Client
	model         string
	temperature   float32
	logger        *slog.Logger
	conversations *conversations
}

// NewGemini creates a Gemini generator.
func NewGemini(ctx context.Context, cfg Config) (*Gemini, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("generate config: %w", err)
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("creating genai client: %w", err)
	}

	return &Gemini{
		client:        client,
		model:         cfg.Model,
		temperature:   cfg.Temperature,
		logger:        cfg.Logger,
		conversations: newConversations(),
	}, nil
}

// NewConversation opens a server-managed conversation.
func (g *Gemini) NewConversation() string {
	return g.conversations.create()
}

// EndConversation discards a conversation's state. Unknown IDs are a no-op.
func (g *Gemini) EndConversation(id string) {
	g.conversations.drop(id)
}

// Stream generates an answer while forwarding each fragment to onDelta.
func (g *Gemini) Stream(ctx context.Context, req Request, onDelta func(string) error) (Result, error) {
	contents, err := g.buildContents(req)
	if err != nil {
		return Result{}, err
	}

	var sb strings.Builder
	for resp, err := range g.client.Models.GenerateContentStream(ctx, g.model, contents, g.genConfig(req.System)) {
		if err != nil {
			return Result{Text: sb.String()}, fmt.Errorf("streaming generation: %w", err)
		}
		delta := resp.Text()
		if delta == "" {
			continue
		}
		sb.WriteString(delta)
		if err := onDelta(delta); err != nil {
			return Result{Text: sb.String()}, err
		}
	}

	text := sb.String()
	if text != "" {
		g.remember(req, text)
	}
	return Result{Text: text}, nil
}

// Complete generates an answer in one shot.
func (g *Gemini) Complete(ctx context.Context, req Request) (Result, error) {
	contents, err := g.buildContents(req)
	if err != nil {
		return Result{}, err
	}

	resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, g.genConfig(req.System))
	if err != nil {
		return Result{}, fmt.Errorf("generating completion: %w", err)
	}
	text := resp.Text()
	if text == "" {
		return Result{}, ErrEmptyCompletion
	}

	g.remember(req, text)
	return Result{Text: text}, nil
}

func (g *Gemini) genConfig(system string) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{}
	if system != "" {
		cfg.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
	}
	if g.temperature != 0 {
		cfg.Temperature = genai.Ptr(g.temperature)
	}
	return cfg
}

// buildContents assembles the wire contents: conversation or client history
// first, then the user turn carrying the retrieval context and question.
func (g *Gemini) buildContents(req Request) ([]*genai.Content, error) {
	if strings.TrimSpace(req.Message) == "" {
		return nil, ErrEmptyMessage
	}

	var contents []*genai.Content
	if req.ConversationID != "" {
		contents = g.conversations.history(req.ConversationID)
	} else {
		for _, turn := range req.History {
			role := genai.Role(genai.RoleUser)
			if turn.Role == RoleAssistant {
				role = genai.RoleModel
			}
			contents = append(contents, genai.NewContentFromText(turn.Text, role))
		}
	}

	contents = append(contents, genai.NewContentFromText(userTurnText(req), genai.RoleUser))
	return contents, nil
}

// userTurnText merges the retrieval context into the final user turn.
func userTurnText(req Request) string {
	if req.Context == "" {
		return req.Message
	}
	return "Use the following context to answer.\n\n" + req.Context + "\n\nQuestion: " + req.Message
}

// remember appends the completed exchange to a server-managed conversation.
// The stored user turn holds only the question, not the retrieval context:
// context is re-assembled fresh for every query.
func (g *Gemini) remember(req Request, answer string) {
	if req.ConversationID == "" {
		return
	}
	g.conversations.append(req.ConversationID,
		genai.NewContentFromText(req.Message, genai.RoleUser),
		genai.NewContentFromText(answer, genai.RoleModel),
	)
}
