package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"
)

// runIngest indexes a file or directory into the active index.
func runIngest(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: quiver ingest <path>")
	}
	path := args[0]

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	if a.store.ActiveIndex() == "" {
		return fmt.Errorf("no index selected: set index_name in the config or QUIVER_INDEX")
	}

	info, err := os.Stat(path)
	if err != nil {
		return err
	}

	if info.IsDir() {
		res, err := a.ingester.AddDirectory(ctx, path)
		if err != nil {
			return err
		}
		fmt.Printf("indexed %d files (%d chunks, %d bytes) in %s; skipped %d, failed %d\n",
			res.FilesAdded, res.ChunksStored, res.TotalBytes, res.Duration.Round(time.Millisecond), res.FilesSkipped, res.FilesFailed)
		return nil
	}

	res, err := a.ingester.AddFile(ctx, path)
	if err != nil {
		return err
	}
	fmt.Printf("indexed %s (%d chunks, %d bytes) in %s\n",
		path, res.ChunksStored, res.TotalBytes, res.Duration.Round(time.Millisecond))
	return nil
}
