package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/crdtrelay/relay/internal/doc"
	"github.com/crdtrelay/relay/internal/session"
	"github.com/crdtrelay/relay/internal/transport"
	"github.com/crdtrelay/relay/pkg/viz"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	portVar := flag.Int("port", 9000, "TCP port to listen on")
	dbVar := flag.String("db", "crdt_document.db", "path to the snapshot database")
	sharedTypeVar := flag.String("shared-type", "quill", "name of the document's shared rich-text type")
	debounceVar := flag.Duration("persist-debounce", 250*time.Millisecond, "how long to coalesce bursts of persistence writes")
	shutdownGraceVar := flag.Duration("shutdown-grace", 5*time.Second, "how long to let in-flight requests drain on shutdown")
	flag.Parse()

	if flag.NArg() == 1 {
		p, err := strconv.Atoi(flag.Arg(0))
		if err != nil {
			return fmt.Errorf("invalid port argument %q: %w", flag.Arg(0), err)
		}
		*portVar = p
	}
	if *portVar < 1 || *portVar > 65535 {
		return fmt.Errorf("port %d out of range", *portVar)
	}

	logger := slog.Default()

	persister, err := doc.OpenPersister(*dbVar, *debounceVar, func(err error) {
		logger.Error("failed to persist snapshot", "err", err)
	})
	if err != nil {
		return fmt.Errorf("failed to open persister: %w", err)
	}
	defer persister.Close()

	snapshot, err := persister.LoadSnapshot(context.Background())
	if err != nil {
		logger.Error("failed to load snapshot, starting fresh", "err", err)
		snapshot = nil
	}
	store, err := doc.Load(*sharedTypeVar, snapshot)
	if err != nil {
		logger.Error("persisted snapshot is corrupt, starting fresh", "err", err)
		store, _ = doc.Load(*sharedTypeVar, nil)
	}
	logger.Info("document ready", "shared_type", *sharedTypeVar, "had_snapshot", len(snapshot) > 0)

	orchestrator := session.New(store, persister, logger)
	graph := viz.NewGraphRenderer(store, []interface{}{*sharedTypeVar})

	addr := fmt.Sprintf(":%d", *portVar)
	srv := transport.New(addr, orchestrator, graph, logger)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-exit:
		logger.Info("signal caught, shutting down", "sig", sig)
	case err := <-errCh:
		if err != nil {
			return err
		}
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), *shutdownGraceVar)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("shutdown did not complete cleanly", "err", err)
	}

	if err := <-errCh; err != nil {
		return err
	}
	return nil
}
