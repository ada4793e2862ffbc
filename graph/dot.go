package graph

import (
	"fmt"
	"io"
	"strings"
)

// WriteDot writes the graph in Graphviz format. Nodes of the same pass are
// drawn in one cluster.
func (g *Graph) WriteDot(w io.Writer) error {
	var b strings.Builder
	b.WriteString("digraph SupportLibraryGraph\n{\n")

	byPass := map[int][]*Node{}
	var passOrder []int
	for _, n := range g.SortedNodes() {
		if n.pass == nil {
			writeDotNode(&b, n)
			continue
		}
		idx := n.pass.Index()
		if _, ok := byPass[idx]; !ok {
			passOrder = append(passOrder, idx)
		}
		byPass[idx] = append(byPass[idx], n)
	}

	for _, idx := range passOrder {
		fmt.Fprintf(&b, "subgraph clusterPass_%d\n{\nlabel=\"Pass %d\"\n", idx, idx)
		for _, n := range byPass[idx] {
			writeDotNode(&b, n)
		}
		b.WriteString("}\n")
	}

	for _, n := range g.nodes {
		for _, e := range n.outputs {
			fmt.Fprintf(&b, "Node%d -> Node%d[ label=\"%s\"]\n",
				e.Source.id, e.Destination.id, e.Source.Shape)
		}
	}

	b.WriteString("}\n")

	_, err := io.WriteString(w, b.String())
	return err
}

func writeDotNode(b *strings.Builder, n *Node) {
	label := []string{
		n.String(),
		fmt.Sprintf("CorrespondingOperationIds = %v", n.operationIDs),
		fmt.Sprintf("Shape = %s", n.Shape),
		fmt.Sprintf("Format = %s", n.Format),
		fmt.Sprintf("Location = %s", n.Location),
	}
	if n.CompressedFormat != CompressionNone {
		label = append(label, fmt.Sprintf("Compression = %s", n.CompressedFormat))
	}
	if n.kind == KindMce {
		label = append(label, fmt.Sprintf("Algorithm = %s", n.Mce.Algorithm))
	}
	if n.kind == KindEstimateOnly {
		label = append(label, n.Reason)
	}

	fmt.Fprintf(b, "Node%d[label = \"%s\"]\n", n.id, strings.Join(label, "\\n"))
}
