// Package ctrl implements the structural stack operations that change the
// shape of a ploop device rather than its data: snapshot, merge, grow, and
// relocate. Snapshot, grow and relocate hold the slots of the clusters they
// touch, obtained from internal/cluster, before mutating the stack; merge
// takes no slots and relies on its caller having stopped I/O. Each stages
// or commits its metadata changes through internal/metapipeline.
package ctrl

import (
	"github.com/ploop/ploop/internal/cluster"
	"github.com/ploop/ploop/internal/logging"
	"github.com/ploop/ploop/internal/metapipeline"
	"github.com/ploop/ploop/internal/stack"
)

// Controller owns the coordination needed to perform structural operations
// against one ploop stack.
type Controller struct {
	stack    *stack.Stack
	slots    *cluster.Table
	pipeline *metapipeline.Pipeline
	logger   *logging.Logger
}

// NewController wires a Controller to an already-open stack, slot table,
// and metadata pipeline.
func NewController(s *stack.Stack, slots *cluster.Table, pipeline *metapipeline.Pipeline) *Controller {
	return &Controller{
		stack:    s,
		slots:    slots,
		pipeline: pipeline,
		logger:   logging.Default(),
	}
}
