// relayctl inspects a relay's persisted snapshot database offline: it loads
// the snapshot, prints the change history, and can dump the change DAG as
// a Graphviz digraph, the way the teacher's debug tool inspected a raw
// automerge dump file.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/automerge/automerge-go"

	"github.com/crdtrelay/relay/internal/doc"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	dbVar := flag.String("db", "crdt_document.db", "path to the snapshot database")
	sharedTypeVar := flag.String("shared-type", "quill", "name of the document's shared rich-text type")
	dotVar := flag.Bool("dot", false, "print the change DAG as a Graphviz digraph instead of a summary")
	flag.Parse()

	persister, err := doc.OpenPersister(*dbVar, 0, nil)
	if err != nil {
		return fmt.Errorf("failed to open snapshot database: %w", err)
	}
	defer persister.Close()

	snapshot, err := persister.LoadSnapshot(context.Background())
	if err != nil {
		return fmt.Errorf("failed to load snapshot: %w", err)
	}
	if len(snapshot) == 0 {
		return fmt.Errorf("snapshot database %s has no persisted document yet", *dbVar)
	}

	store, err := doc.Load(*sharedTypeVar, snapshot)
	if err != nil {
		return fmt.Errorf("failed to load document: %w", err)
	}

	slog.Info("loaded document", "text", store.TextSnapshot())

	changes, err := store.Changes()
	if err != nil {
		return fmt.Errorf("failed to list changes: %w", err)
	}

	if !*dotVar {
		for i, c := range changes {
			slog.Info("change", "i", fmt.Sprintf("%4d", i), "hash", c.Hash(), "actor", c.ActorID(), "dep", c.Dependencies())
		}
		return nil
	}

	return printDot(changes)
}

func printDot(changes []*automerge.Change) error {
	fmt.Println(`digraph "log" {`)
	for _, change := range changes {
		fmt.Printf("    %q [label=%q]\n", change.Hash().String(), fmt.Sprintf("%s@%d", change.Hash().String()[:8], change.ActorSeq()))
		for _, dep := range change.Dependencies() {
			fmt.Printf("    %q -> %q\n", dep.String(), change.Hash().String())
		}
	}
	fmt.Println("}")
	return nil
}
