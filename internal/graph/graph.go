// Package graph records findings and their relationships in a property
// graph. The ingester is an optional collaborator: when the graph service
// is down the rest of the pipeline keeps working without it.
package graph

import "context"

// Node is the primary vertex of one finding.
type Node struct {
	Label      string
	ID         string
	Properties map[string]any
}

// Edge is one outgoing relationship from the primary node. The target
// vertex is merged by id, so repeated ingests converge.
type Edge struct {
	Rel        string
	ToLabel    string
	ToID       string
	Properties map[string]any
}

// Ingester upserts a finding and its edges.
type Ingester interface {
	IngestFinding(ctx context.Context, node Node, edges []Edge) error
	Close(ctx context.Context) error
}

// Noop satisfies Ingester for deployments with no graph service.
type Noop struct{}

func (Noop) IngestFinding(context.Context, Node, []Edge) error { return nil }
func (Noop) Close(context.Context) error                       { return nil }
