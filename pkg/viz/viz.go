// Package viz renders a list ledger's change history as a graph: one node
// per change, edges along dependencies, each node labelled with the merged
// text state at that point. Debugging aid for convergence issues.
package viz

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/automerge/automerge-go"
	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"
)

// RenderLedgerToSVG draws the ledger's change DAG to an SVG file. labelPath
// selects the document subtree shown in each node label; pass
// []interface{}{"texts"} for the collaborative text state.
func RenderLedgerToSVG(ledger *automerge.Doc, labelPath []interface{}, outputPath string) error {
	g := graphviz.New()

	graph, err := g.Graph()
	if err != nil {
		return fmt.Errorf("failed to setup graph: %w", err)
	}

	changes, err := ledger.Changes()
	if err != nil {
		return fmt.Errorf("failed to generate changes: %w", err)
	}

	nodes := make(map[string]*cgraph.Node)
	var edgeCounter uint64
	for _, change := range changes {
		at, err := ledger.Fork(change.Hash())
		if err != nil {
			return fmt.Errorf("failed to checkout %s: %w", change.Hash(), err)
		}
		var raw interface{}
		if value, err := at.Path(labelPath...).Get(); err == nil {
			raw = value.Interface()
		}
		encoded, err := json.Marshal(raw)
		if err != nil {
			return fmt.Errorf("failed to marshal %s: %w", change.Hash(), err)
		}

		n, err := graph.CreateNode(change.Hash().String())
		if err != nil {
			return fmt.Errorf("failed to create node: %w", err)
		}
		n.SetLabel(fmt.Sprintf("%s %s@%d %s", change.Hash().String()[:8], change.ActorID(), change.ActorSeq(), string(encoded)))
		nodes[n.Name()] = n

		for _, hash := range change.Dependencies() {
			if _, err := graph.CreateEdge(strconv.Itoa(int(atomic.AddUint64(&edgeCounter, 1))), nodes[hash.String()], n); err != nil {
				return fmt.Errorf("failed to create edge: %w", err)
			}
		}
	}

	var buff bytes.Buffer
	if err := g.Render(graph, graphviz.SVG, &buff); err != nil {
		return fmt.Errorf("failed to render: %w", err)
	}

	if err := os.WriteFile(outputPath, buff.Bytes(), os.ModePerm); err != nil {
		return fmt.Errorf("failed to write")
	}
	return nil
}

// RenderToTemp renders into a throwaway file and returns its path.
func RenderToTemp(ledger *automerge.Doc, labelPath []interface{}) (string, error) {
	tf := filepath.Join(os.TempDir(), fmt.Sprintf("%d%d.svg", time.Now().UnixNano(), rand.Int()))
	if err := RenderLedgerToSVG(ledger, labelPath, tf); err != nil {
		return "", err
	}
	return tf, nil
}
