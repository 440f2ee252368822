package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/quiver0/quiver/internal/answer"
	"github.com/quiver0/quiver/internal/config"
	"github.com/quiver0/quiver/internal/embed"
	"github.com/quiver0/quiver/internal/generate"
	"github.com/quiver0/quiver/internal/ingest"
	"github.com/quiver0/quiver/internal/log"
	"github.com/quiver0/quiver/internal/vecstore"
)

// app wires the configured components together for one command invocation.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	store    *vecstore.Client
	embedder *embed.Gemini
	gen      *generate.Gemini

	orch     *answer.Orchestrator
	ingester *ingest.Ingester
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	logger := log.New(log.Config{Level: level, JSON: cfg.LogJSON})

	store, err := vecstore.New(vecstore.Config{
		APIKey:         cfg.IndexAPIKey,
		ProjectID:      cfg.ProjectID,
		ControllerHost: cfg.ControllerHost,
		Logger:         logger,
	})
	if err != nil {
		return nil, err
	}
	if cfg.IndexName != "" {
		store.SelectIndex(cfg.IndexName)
	}

	embedder, err := embed.NewGemini(ctx, embed.Config{
		APIKey:    cfg.EmbeddingAPIKey,
		Model:     cfg.EmbeddingModel,
		Dimension: cfg.Dimension,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}

	gen, err := generate.NewGemini(ctx, generate.Config{
		APIKey: cfg.EmbeddingAPIKey,
		Model:  cfg.GenerationModel,
		Logger: logger,
	})
	if err != nil {
		return nil, err
	}

	orch, err := answer.New(answer.Config{
		Store:            store,
		Embedder:         embedder,
		Generator:        gen,
		Logger:           logger,
		SystemPrompt:     cfg.SystemPrompt,
		ConversationMode: answer.ConversationMode(cfg.ConversationMode),
		Namespace:        cfg.Namespace,
		Filters:          presetFilters(cfg.FilterPresets),
		TopK:             cfg.TopK,
		HistoryWindow:    cfg.HistoryWindow,
	})
	if err != nil {
		return nil, err
	}

	ingester, err := ingest.New(ingest.Config{
		Store:           store,
		Embedder:        embedder,
		Logger:          logger,
		Namespace:       cfg.Namespace,
		ChunkTargetSize: cfg.ChunkTargetSize,
		ChunkOverlap:    cfg.ChunkOverlap,
	})
	if err != nil {
		return nil, err
	}

	return &app{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		embedder: embedder,
		gen:      gen,
		orch:     orch,
		ingester: ingester,
	}, nil
}

// presetFilters turns configured filter presets into equality filters.
func presetFilters(presets []config.FilterPreset) []vecstore.Filter {
	filters := make([]vecstore.Filter, 0, len(presets))
	for _, p := range presets {
		if p.Field == "" {
			continue
		}
		filters = append(filters, vecstore.Eq(p.Field, vecstore.String(p.Value)))
	}
	return filters
}

// printEvents forwards orchestrator events to the terminal until done is
// closed. Deltas stream to stdout; notices go to stderr.
func printEvents(orch *answer.Orchestrator, done <-chan struct{}) {
	for {
		select {
		case ev := <-orch.Events():
			switch ev.Kind {
			case answer.EventDelta:
				fmt.Print(ev.Delta)
			case answer.EventNotice:
				fmt.Fprintf(os.Stderr, "\n! %s\n", ev.Notice)
			}
		case <-done:
			return
		}
	}
}
