// Package viz renders a CRDT document's change DAG as SVG, for the
// /debug/graph operator diagnostic. Adapted from a dump-on-shutdown helper
// into a live renderer: callers get bytes back instead of a temp file path.
package viz

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"sync/atomic"

	"github.com/automerge/automerge-go"
	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"
)

// ChangeSource is the slice of doc.AutomergeStore this package needs: the
// ability to list changes and fork the document as of a given change, both
// without mutating the live document.
type ChangeSource interface {
	Changes() ([]*automerge.Change, error)
	Fork(heads ...automerge.ChangeHash) (*automerge.Doc, error)
}

// GraphRenderer renders a ChangeSource's change DAG, labeling each node
// with the value found at nodePath as of that change. It implements
// transport.GraphRenderer.
type GraphRenderer struct {
	source   ChangeSource
	nodePath []interface{}
}

// NewGraphRenderer builds a renderer that labels nodes with the value at
// nodePath (e.g. []interface{}{"quill"} for the document's shared text).
func NewGraphRenderer(source ChangeSource, nodePath []interface{}) *GraphRenderer {
	return &GraphRenderer{source: source, nodePath: nodePath}
}

// RenderSVG renders the full change DAG to SVG bytes.
func (r *GraphRenderer) RenderSVG() ([]byte, error) {
	g := graphviz.New()

	graph, err := g.Graph()
	if err != nil {
		return nil, fmt.Errorf("viz: failed to set up graph: %w", err)
	}

	changes, err := r.source.Changes()
	if err != nil {
		return nil, fmt.Errorf("viz: failed to list changes: %w", err)
	}

	nodeMap := make(map[string]*cgraph.Node)
	var edgeCounter uint64
	for _, change := range changes {
		docAt, err := r.source.Fork(change.Hash())
		if err != nil {
			return nil, fmt.Errorf("viz: failed to fork at %s: %w", change.Hash(), err)
		}

		var raw interface{}
		if value, err := docAt.Path(r.nodePath...).Get(); err == nil {
			raw = value.Interface()
		}
		encoded, err := json.Marshal(raw)
		if err != nil {
			return nil, fmt.Errorf("viz: failed to marshal node value at %s: %w", change.Hash(), err)
		}

		n, err := graph.CreateNode(change.Hash().String())
		if err != nil {
			return nil, fmt.Errorf("viz: failed to create node: %w", err)
		}
		n.SetLabel(fmt.Sprintf("%s %s@%d %s", change.Hash().String()[:8], change.ActorID(), change.ActorSeq(), string(encoded)))
		nodeMap[n.Name()] = n

		for _, dep := range change.Dependencies() {
			if from, ok := nodeMap[dep.String()]; ok {
				id := strconv.FormatUint(atomic.AddUint64(&edgeCounter, 1), 10)
				if _, err := graph.CreateEdge(id, from, n); err != nil {
					return nil, fmt.Errorf("viz: failed to create edge: %w", err)
				}
			}
		}
	}

	var buf bytes.Buffer
	if err := g.Render(graph, graphviz.SVG, &buf); err != nil {
		return nil, fmt.Errorf("viz: failed to render: %w", err)
	}
	return buf.Bytes(), nil
}
