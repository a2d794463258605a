package planner

import "github.com/sarchlab/streamplan"

// A Context exposes the session settings the planner consults while building
// a plan.
type Context interface {
	// GetShape returns the shape to plan with for a value, or nil when
	// unknown.
	GetShape(v *streamplan.Value) *streamplan.Shape

	// GetEnableMemoryReuse tells whether freed buffers may be recycled.
	GetEnableMemoryReuse() bool

	// IsParallelExecutionEnabled tells whether the emitted plan targets a
	// parallel executor. Reuse of inputs and freed buffers is suppressed
	// when it does.
	IsParallelExecutionEnabled() bool

	// GetExecutionOrder selects the node iteration order used for planning.
	GetExecutionOrder() streamplan.ExecutionOrder
}

// A DefaultContext plans for a sequential executor with memory reuse on.
type DefaultContext struct{}

// GetShape returns the value's declared shape.
func (DefaultContext) GetShape(v *streamplan.Value) *streamplan.Shape {
	if v == nil {
		return nil
	}
	return v.Shape
}

// GetEnableMemoryReuse returns true.
func (DefaultContext) GetEnableMemoryReuse() bool { return true }

// IsParallelExecutionEnabled returns false.
func (DefaultContext) IsParallelExecutionEnabled() bool { return false }

// GetExecutionOrder returns the default topological order.
func (DefaultContext) GetExecutionOrder() streamplan.ExecutionOrder {
	return streamplan.OrderDefault
}

// A parallelContext wraps another context and reports parallel execution, so
// the baseline pass plans without input or freelist reuse.
type parallelContext struct {
	inner Context
}

func (c parallelContext) GetShape(v *streamplan.Value) *streamplan.Shape {
	return c.inner.GetShape(v)
}

func (c parallelContext) GetEnableMemoryReuse() bool { return false }

func (c parallelContext) IsParallelExecutionEnabled() bool { return true }

func (c parallelContext) GetExecutionOrder() streamplan.ExecutionOrder {
	return c.inner.GetExecutionOrder()
}
