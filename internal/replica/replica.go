package replica

import (
	"errors"
	"fmt"

	"github.com/automerge/automerge-go"
)

const (
	collectionNodes = "nodes"
	collectionEdges = "edges"

	clearCommitMessage = "clear composition"
)

var (
	// ErrMalformedDelta indicates that delta bytes could not be merged.
	ErrMalformedDelta = errors.New("replica: malformed delta")
	// ErrMalformedSnapshot indicates that snapshot bytes could not be decoded.
	ErrMalformedSnapshot = errors.New("replica: malformed snapshot")
)

// Replica wraps the mergeable document holding a composition graph. The
// merge semantics belong entirely to the underlying automerge document;
// callers must serialize access themselves.
type Replica struct {
	doc *automerge.Doc
}

// New returns an empty replica.
func New() *Replica {
	return &Replica{doc: automerge.New()}
}

// Load reconstructs a replica from a full snapshot.
func Load(snapshot []byte) (*Replica, error) {
	doc, err := automerge.Load(snapshot)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedSnapshot, err)
	}
	return &Replica{doc: doc}, nil
}

// ApplyDelta merges remote delta bytes into the replica. The merged changes
// are marked saved so the next FlushDelta only carries local edits.
func (r *Replica) ApplyDelta(delta []byte) error {
	if len(delta) == 0 {
		return fmt.Errorf("%w: empty", ErrMalformedDelta)
	}
	if err := r.doc.LoadIncremental(delta); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedDelta, err)
	}
	_ = r.doc.SaveIncremental()
	return nil
}

// FlushDelta returns the bytes of all changes made since the last flush or
// full save. Returns nil when nothing changed.
func (r *Replica) FlushDelta() []byte {
	delta := r.doc.SaveIncremental()
	if len(delta) == 0 {
		return nil
	}
	return delta
}

// Save returns the full snapshot serialization.
func (r *Replica) Save() []byte {
	return r.doc.Save()
}

// SetNode writes a node payload into the composition graph.
func (r *Replica) SetNode(nodeID string, payload string) error {
	return r.doc.Path(collectionNodes, nodeID).Set(payload)
}

// Node reads a node payload back out of the graph.
func (r *Replica) Node(nodeID string) (string, error) {
	return automerge.As[string](r.doc.Path(collectionNodes, nodeID).Get())
}

// SetEdge writes an edge payload into the composition graph.
func (r *Replica) SetEdge(edgeID string, payload string) error {
	return r.doc.Path(collectionEdges, edgeID).Set(payload)
}

// Edge reads an edge payload back out of the graph.
func (r *Replica) Edge(edgeID string) (string, error) {
	return automerge.As[string](r.doc.Path(collectionEdges, edgeID).Get())
}

// Clear empties the top-level node and edge collections in a single commit
// and returns the delta representing the wipe.
func (r *Replica) Clear() ([]byte, error) {
	if err := r.doc.Path(collectionNodes).Set(map[string]interface{}{}); err != nil {
		return nil, err
	}
	if err := r.doc.Path(collectionEdges).Set(map[string]interface{}{}); err != nil {
		return nil, err
	}
	if _, err := r.doc.Commit(clearCommitMessage, automerge.CommitOptions{AllowEmpty: true}); err != nil {
		return nil, err
	}
	return r.doc.SaveIncremental(), nil
}
