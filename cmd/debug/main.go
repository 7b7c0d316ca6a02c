package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/automerge/automerge-go"

	"github.com/odedindi/Collaborative-Lists/pkg/store"
	"github.com/odedindi/Collaborative-Lists/pkg/viz"
)

// Loads one list's persisted ledger and renders its change DAG so divergence
// between peers can be inspected change by change.
func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{})))

	dbVar := flag.String("db", "lists.sqlite3", "the sqlite database file")
	outVar := flag.String("out", "", "output svg path, defaults to a temp file")
	flag.Parse()
	if flag.NArg() != 1 {
		return fmt.Errorf("expected one positional argument: the list id")
	}
	listID := flag.Arg(0)

	st, err := store.OpenSQLite(*dbVar)
	if err != nil {
		return err
	}
	defer st.Close()

	blob, err := st.Ledger(context.Background(), listID)
	if err != nil {
		return fmt.Errorf("failed to load ledger: %w", err)
	}
	ledger, err := automerge.Load(blob)
	if err != nil {
		return fmt.Errorf("failed to load ledger doc: %w", err)
	}
	slog.Info("loaded ledger", "heads", ledger.Heads())

	changes, err := ledger.Changes()
	if err != nil {
		return fmt.Errorf("failed to generate changes: %w", err)
	}
	for i, change := range changes {
		slog.Info("change", "i", fmt.Sprintf("%4d", i), "hash", change.Hash(), "actor", change.ActorID(), "dep", change.Dependencies())
	}

	labelPath := []interface{}{"texts"}
	if *outVar != "" {
		if err := viz.RenderLedgerToSVG(ledger, labelPath, *outVar); err != nil {
			return err
		}
		slog.Info("rendered", "path", "file://"+*outVar)
		return nil
	}
	path, err := viz.RenderToTemp(ledger, labelPath)
	if err != nil {
		return err
	}
	slog.Info("rendered", "path", "file://"+path)
	return nil
}
