package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
)

// runIndexes manages vector indexes: list (default), create, delete, stats.
func runIndexes(args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}

	sub := "list"
	if len(args) > 0 {
		sub = args[0]
	}

	switch sub {
	case "list":
		names, err := a.store.ListIndexes(ctx)
		if err != nil {
			return err
		}
		if len(names) == 0 {
			fmt.Println("no indexes")
			return nil
		}
		for _, name := range names {
			marker := " "
			if name == a.store.ActiveIndex() {
				marker = "*"
			}
			fmt.Printf("%s %s\n", marker, name)
		}
		return nil

	case "create":
		if len(args) < 3 {
			return fmt.Errorf("usage: quiver indexes create <name> <dimension>")
		}
		dimension, err := strconv.Atoi(args[2])
		if err != nil {
			return fmt.Errorf("invalid dimension %q: %w", args[2], err)
		}
		if err := a.store.CreateIndex(ctx, args[1], dimension, "cosine"); err != nil {
			return err
		}
		fmt.Printf("created index %q (dimension %d)\n", args[1], dimension)
		return nil

	case "delete":
		if len(args) < 2 {
			return fmt.Errorf("usage: quiver indexes delete <name>")
		}
		if err := a.store.DeleteIndex(ctx, args[1]); err != nil {
			return err
		}
		fmt.Printf("deleted index %q\n", args[1])
		return nil

	case "stats":
		if a.store.ActiveIndex() == "" {
			return fmt.Errorf("no index selected: set index_name in the config or QUIVER_INDEX")
		}
		stats, err := a.store.Stats(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("index %q: %d vectors, dimension %d\n",
			a.store.ActiveIndex(), stats.TotalVectorCount, stats.Dimension)
		for name, count := range stats.Namespaces {
			label := name
			if label == "" {
				label = "(default)"
			}
			fmt.Printf("  %s: %d vectors\n", label, count)
		}
		return nil

	default:
		return fmt.Errorf("unknown indexes subcommand: %s", sub)
	}
}
