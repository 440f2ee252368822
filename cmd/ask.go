package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/quiver0/quiver/internal/answer"
	"github.com/quiver0/quiver/internal/generate"
)

// runAsk answers a single question and prints the streamed answer with its
// sources.
func runAsk(args []string) error {
	question := strings.TrimSpace(strings.Join(args, " "))
	if question == "" {
		return fmt.Errorf("usage: quiver ask <question>")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}

	return askOnce(ctx, a.orch, question)
}

// runChat runs the interactive question loop.
func runChat() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("quiver %s - index %q. /exit to leave, /help for commands.\n", version, a.store.ActiveIndex())

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("\n> ")
		if !scanner.Scan() {
			fmt.Println()
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		switch {
		case line == "/exit" || line == "/quit":
			return nil
		case line == "/help":
			fmt.Println("/sources  show the sources of the last answer")
			fmt.Println("/regen <id...>  re-answer using only the listed sources")
			fmt.Println("/new  start a new topic")
			fmt.Println("/exit  leave the chat")
		case line == "/new":
			a.orch.NewTopic()
			fmt.Println("started a new topic")
		case line == "/sources":
			printSources(a.orch.LastResults())
		case strings.HasPrefix(line, "/regen"):
			ids := strings.Fields(strings.TrimPrefix(line, "/regen"))
			if err := regenerate(ctx, a.orch, ids); err != nil {
				fmt.Fprintf(os.Stderr, "error: %v\n", err)
			}
		default:
			if err := askOnce(ctx, a.orch, line); err != nil {
				fmt.Fprintf(os.Stderr, "error: %v\n", err)
			}
		}

		if ctx.Err() != nil {
			return nil
		}
	}
}

func askOnce(ctx context.Context, orch *answer.Orchestrator, question string) error {
	done := make(chan struct{})
	go printEvents(orch, done)

	err := orch.Ask(ctx, question)
	close(done)
	if err != nil {
		return err
	}

	printCitations(orch)
	return nil
}

func regenerate(ctx context.Context, orch *answer.Orchestrator, ids []string) error {
	if len(ids) == 0 {
		return fmt.Errorf("usage: /regen <id...> (see /sources)")
	}

	done := make(chan struct{})
	go printEvents(orch, done)

	err := orch.Regenerate(ctx, ids)
	close(done)
	if err != nil {
		return err
	}

	printCitations(orch)
	return nil
}

// printCitations prints the sources of the most recent finalized answer.
func printCitations(orch *answer.Orchestrator) {
	turns := orch.History().Turns()
	for i := len(turns) - 1; i >= 0; i-- {
		t := turns[i]
		if t.Role != generate.RoleAssistant {
			continue
		}
		if t.Status == answer.StatusNormal && len(t.Citations) > 0 {
			fmt.Printf("\n\nSources: %s\n", strings.Join(t.Citations, ", "))
		} else {
			fmt.Println()
		}
		return
	}
}

func printSources(results []answer.Result) {
	if len(results) == 0 {
		fmt.Println("no sources retrieved yet")
		return
	}
	for _, r := range results {
		content := r.Content
		if len(content) > 120 {
			content = content[:120] + "..."
		}
		fmt.Printf("%s  %.3f  %s\n    %s\n", r.ID, r.Score, r.SourceLabel, content)
	}
}
