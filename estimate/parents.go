package estimate

import (
	"encoding/json"

	"github.com/sarchlab/npuc/graph"
)

// ParentRef names the producer of one input of a pass. The producer is
// either a pass, or a node outside of any pass, which is then described by
// the producers of its own inputs.
type ParentRef struct {
	Pass    int
	InPass  bool
	Parents ParentRefs
}

// ParentRefs lists the producers of the inputs of a node.
type ParentRefs []ParentRef

// MarshalJSON writes a pass as its index and any other node as the list of
// its parents.
func (r ParentRef) MarshalJSON() ([]byte, error) {
	if r.InPass {
		return json.Marshal(r.Pass)
	}
	return json.Marshal(r.Parents)
}

// MarshalJSON writes an empty list rather than null.
func (r ParentRefs) MarshalJSON() ([]byte, error) {
	if r == nil {
		return []byte("[]"), nil
	}
	return json.Marshal([]ParentRef(r))
}

// parentsOf returns the producers of the inputs of n.
func parentsOf(n *graph.Node) ParentRefs {
	refs := ParentRefs{}
	for i := range n.Inputs() {
		refs = append(refs, refOf(n.InputSource(i)))
	}
	return refs
}

func refOf(n *graph.Node) ParentRef {
	if p := n.Pass(); p != nil {
		return ParentRef{Pass: p.Index(), InPass: true}
	}
	return ParentRef{Parents: parentsOf(n)}
}
