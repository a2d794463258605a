package planner

import (
	"github.com/pkg/errors"

	"github.com/sarchlab/streamplan"
)

// computeReusePlan determines sharing and reuse among values. With more than
// one stream per provider in play, the single-stream pass first runs under a
// parallel context that suppresses reuse, producing a conservative baseline
// the multi-stream optimizer then improves with stream-safety checks.
func (p *Planner) computeReusePlan() error {
	backupCtx := p.ctx
	singleStream := p.isSingleStreamEquivalent()
	if !singleStream {
		p.ctx = parallelContext{inner: backupCtx}
	}
	defer func() { p.ctx = backupCtx }()

	if err := p.computeReuseCount(); err != nil {
		return err
	}
	if err := p.computeSingleStreamReusePlan(); err != nil {
		return err
	}
	if singleStream {
		return nil
	}
	return p.optimizeReusePlanForMultiStream()
}

// isSingleStreamEquivalent reports whether every non-empty stream runs on a
// distinct provider, in which case sequential reuse is safe as-is.
func (p *Planner) isSingleStreamEquivalent() bool {
	seen := make(map[string]bool)
	for i, stream := range p.streamNodes {
		if len(stream) == 0 {
			continue
		}
		providerType := p.plan.ExecutionPlan[i].Provider.Type()
		if seen[providerType] {
			return false
		}
		seen[providerType] = true
	}
	return true
}

// computeSingleStreamReusePlan is the baseline pass assuming sequential
// execution: it walks the nodes in topological order, decides each output's
// allocation, and recycles buffers whose use counts hit zero through a LIFO
// freelist.
func (p *Planner) computeSingleStreamReusePlan() error {
	executionOrder := p.graph.NodesInTopologicalOrder(p.ctx.GetExecutionOrder())

	for programCounter, nodeIndex := range executionOrder {
		node := p.graph.Node(nodeIndex)
		if node == nil {
			return errors.Wrapf(ErrIndexOutOfRange, "can not find the node %d", nodeIndex)
		}

		hasExternalOutputs := p.hasExternalOutputs(node)

		for outputArgIndex, output := range node.Outputs {
			if !output.Exists() {
				continue
			}
			current, err := p.index(output.Name)
			if err != nil {
				return err
			}
			p.allocPlan(current).ValueType = output.Type

			switch {
			case hasExternalOutputs:
				if !output.Type.IsTensor() {
					return errors.Wrapf(ErrIndexOutOfRange,
						"only tensors are supported for external outputs, got %q", output.Name)
				}
				p.allocPlan(current).Kind = streamplan.AllocKindAllocatedExternally

			case p.graph.IsOutput(output):
				// a graph output cannot reuse an intermediate buffer
				p.allocPlan(current).Kind = streamplan.AllocKindAllocateOutput
				if err := p.tryShareLoopStatePassThrough(node, current); err != nil {
					return err
				}

			default:
				if !p.ctx.IsParallelExecutionEnabled() {
					reused, found, err := p.findReusableInput(node, outputArgIndex)
					if err != nil {
						return err
					}
					if found {
						p.reuse(reused, current, streamplan.AllocKindReuse)
						continue
					}
				}

				if !output.Type.IsTensor() {
					p.allocPlan(current).Kind = streamplan.AllocKindAllocate
					continue
				}

				if !p.ctx.IsParallelExecutionEnabled() {
					if reused, found := p.findReusableTensor(output); found {
						p.reuse(reused, current, streamplan.AllocKindReuse)
						continue
					}
				}

				p.allocPlan(current).Kind = streamplan.AllocKindAllocate
			}
		}

		// the node is done with its inputs; buffers whose counts hit zero
		// become free at this program counter
		args := make([]*streamplan.Value, 0,
			len(node.Inputs)+len(node.ImplicitInputs)+len(node.Outputs))
		args = append(args, node.Inputs...)
		args = append(args, node.ImplicitInputs...)
		args = append(args, node.Outputs...)
		for _, arg := range args {
			if !arg.Exists() {
				continue
			}
			index, err := p.index(arg.Name)
			if err != nil {
				return err
			}
			original := p.buffer(index)
			if original == -1 {
				continue
			}
			if p.decrementUseCount(original) == 0 {
				p.freelist = append(p.freelist, freeBufferInfo{
					valueIndex:      original,
					deallocatePoint: programCounter,
				})
			}
		}
	}

	return nil
}

// tryShareLoopStatePassThrough avoids copying unchanged loop state: inside a
// Loop body, an Identity whose input is a pre-existing value other than the
// iteration number shares the input's buffer for its graph output.
func (p *Planner) tryShareLoopStatePassThrough(node *streamplan.Node, current int) error {
	if p.parentNode == nil || node.OpType != "Identity" || p.parentNode.OpType != "Loop" {
		return nil
	}
	if len(node.Inputs) == 0 || !node.Inputs[0].Exists() {
		return nil
	}
	input := node.Inputs[0]

	// the first input of a Loop body is the iteration number; the Loop
	// implementation mutates its buffer every iteration, so a copy must be
	// returned for it
	if len(p.graph.Inputs) > 0 && input == p.graph.Inputs[0] {
		return nil
	}

	inputIndex, err := p.index(input.Name)
	if err != nil {
		return err
	}
	if p.allocPlan(inputIndex).Kind == streamplan.AllocKindPreExisting {
		p.reuse(inputIndex, current, streamplan.AllocKindShare)
	}
	return nil
}

// findReusableInput searches the node's kernel contracts for an input the
// given output can take over: required aliasing first, then variadic
// aliasing, then permitted in-place pairs on their last use.
func (p *Planner) findReusableInput(node *streamplan.Node, outputArgIndex int) (int, bool, error) {
	info, err := p.kernelInfoFor(node.Index)
	if err != nil {
		return -1, false, err
	}
	kernelDef := info.Def
	output := node.Outputs[outputArgIndex]

	for _, pair := range kernelDef.Alias {
		if pair.Output != outputArgIndex {
			continue
		}
		// the kernel requires this aliasing, e.g. reshape
		if pair.Input >= 0 && pair.Input < len(node.Inputs) {
			input := node.Inputs[pair.Input]
			if input.Exists() {
				index, err := p.index(input.Name)
				if err != nil {
					return -1, false, err
				}
				return index, true, nil
			}
		}
	}

	if kernelDef.VariadicAlias != nil {
		inputIndex := outputArgIndex - kernelDef.VariadicAlias.OutputOffset +
			kernelDef.VariadicAlias.InputOffset
		if inputIndex >= 0 && inputIndex < len(node.Inputs) {
			input := node.Inputs[inputIndex]
			if input.Exists() {
				index, err := p.index(input.Name)
				if err != nil {
					return -1, false, err
				}
				return index, true, nil
			}
		}
	}

	for _, pair := range kernelDef.MayInplace {
		if pair.Output != outputArgIndex {
			continue
		}
		if pair.Input < 0 || pair.Input >= len(node.Inputs) {
			continue
		}
		input := node.Inputs[pair.Input]
		if !input.Exists() {
			continue
		}
		index, err := p.index(input.Name)
		if err != nil {
			return -1, false, err
		}
		original := p.buffer(index)
		if *p.useCount(original) == 1 && p.sameSize(input, output) {
			// last use of the input, safe to update in place
			return index, true, nil
		}
	}

	for _, pair := range kernelDef.MayStridedOutput {
		if pair.Output == outputArgIndex &&
			pair.Input >= 0 && pair.Input < len(node.Inputs) &&
			node.Inputs[pair.Input].Exists() {
			return -1, false, errors.Wrapf(ErrUnsupportedStrided,
				"node %d output %d", node.Index, outputArgIndex)
		}
	}

	return -1, false, nil
}

// sameSize reports whether two values are interchangeable buffer-wise:
// equal element sizes, neither string-typed, and shapes matching rank-wise
// by known value or by symbolic parameter. Unknown shapes conservatively
// differ. String tensors need placement-new semantics and are never
// eligible.
func (p *Planner) sameSize(a, b *streamplan.Value) bool {
	if !a.Exists() || !b.Exists() {
		return false
	}
	shapeA := p.ctx.GetShape(a)
	shapeB := p.ctx.GetShape(b)
	if shapeA == nil || shapeB == nil {
		return false
	}
	if a.Type.Elem == streamplan.DataTypeString || b.Type.Elem == streamplan.DataTypeString {
		return false
	}
	if a.Type.Elem.Size() != b.Type.Elem.Size() {
		return false
	}
	return shapeA.SameAs(shapeB)
}

// findReusableTensor scans the freelist, most recently freed first, for a
// buffer with the same location and size as the output.
func (p *Planner) findReusableTensor(output *streamplan.Value) (int, bool) {
	if !p.ctx.GetEnableMemoryReuse() {
		return -1, false
	}
	requiredShape := p.ctx.GetShape(output)
	if requiredShape == nil || requiredShape.Rank() == 0 {
		return -1, false
	}
	outputIndex, err := p.index(output.Name)
	if err != nil {
		return -1, false
	}
	requiredLocation := p.allocPlan(outputIndex).Location

	for i := len(p.freelist) - 1; i >= 0; i-- {
		reusable := p.freelist[i].valueIndex
		defSite := p.valueInfo[reusable].defSite
		if defSite == nil {
			continue
		}
		if p.allocPlan(reusable).Location != requiredLocation {
			continue
		}
		if p.sameSize(defSite, output) {
			p.freelist = append(p.freelist[:i], p.freelist[i+1:]...)
			return reusable, true
		}
	}
	return -1, false
}
