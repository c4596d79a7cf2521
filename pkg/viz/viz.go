package viz

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"

	"github.com/bilbo-22/familist/pkg/journal"
)

// Render draws the journal as a graph of changes, one node per event and one edge per
// dependency, in the given format.
func Render(entries []journal.Entry, format graphviz.Format, w io.Writer) error {
	g := graphviz.New()
	defer g.Close()

	graph, err := g.Graph()
	if err != nil {
		return fmt.Errorf("failed to setup graph: %w", err)
	}
	defer graph.Close()

	nodeMap := make(map[string]*cgraph.Node, len(entries))
	edgeCounter := 0
	for _, entry := range entries {
		n, err := graph.CreateNode(entry.Hash)
		if err != nil {
			return fmt.Errorf("failed to create node: %w", err)
		}
		n.SetLabel(Label(entry))
		nodeMap[entry.Hash] = n

		for _, dep := range entry.Deps {
			parent, ok := nodeMap[dep]
			if !ok {
				continue
			}
			edgeCounter++
			if _, err := graph.CreateEdge(strconv.Itoa(edgeCounter), parent, n); err != nil {
				return fmt.Errorf("failed to create edge: %w", err)
			}
		}
	}

	var buff bytes.Buffer
	if err := g.Render(graph, format, &buff); err != nil {
		return fmt.Errorf("failed to render: %w", err)
	}
	_, err = w.Write(buff.Bytes())
	return err
}

// Label is the node text: short hash, actor sequence and event name.
func Label(e journal.Entry) string {
	short := e.Hash
	if len(short) > 8 {
		short = short[:8]
	}
	return fmt.Sprintf("%s @%d %s", short, e.Seq, e.Event)
}

func RenderToTemp(entries []journal.Entry) (string, error) {
	tf := filepath.Join(os.TempDir(), fmt.Sprintf("familist-journal-%d.svg", time.Now().UnixNano()))
	f, err := os.Create(tf)
	if err != nil {
		return "", fmt.Errorf("failed to create %s: %w", tf, err)
	}
	defer f.Close()
	if err := Render(entries, graphviz.SVG, f); err != nil {
		return "", err
	}
	return tf, nil
}
