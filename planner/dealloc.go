package planner

import (
	"github.com/pkg/errors"

	"github.com/sarchlab/streamplan"
)

// generateDeallocationPlan converts the reuse plan into per-node release
// lists: for each dynamically allocated root buffer, one release action
// whose reference count the consuming nodes decrement, freeing the buffer
// deterministically when it reaches zero.
func (p *Planner) generateDeallocationPlan() error {
	numValues := p.values.MaxIndex() + 1
	valueConsumers := make([][]int, numValues)

	// walk each stream backwards so the first recorded consumer per stream
	// is the last one in execution order
	for _, stream := range p.streamNodes {
		for i := len(stream) - 1; i >= 0; i-- {
			nodeIndex := stream[i]
			node := p.graph.Node(nodeIndex)
			if node == nil {
				return errors.Wrapf(ErrIndexOutOfRange, "can not find the node %d", nodeIndex)
			}

			args := make([]*streamplan.Value, 0, len(node.Inputs)+len(node.ImplicitInputs))
			args = append(args, node.Inputs...)
			args = append(args, node.ImplicitInputs...)
			for _, input := range args {
				if !input.Exists() {
					continue
				}
				index, err := p.index(input.Name)
				if err != nil {
					return err
				}
				origin := p.buffer(index)
				if origin == -1 {
					continue
				}
				if p.plan.AllocationPlan[origin].Kind == streamplan.AllocKindAllocate {
					valueConsumers[origin] = append(valueConsumers[origin], nodeIndex)
				}
			}
		}
	}

	p.plan.NodeReleaseList = make([][]int, p.graph.MaxNodeIndex()+1)

	processConsumer := func(releaseActionIndex, nodeIndex int) {
		p.plan.ReleaseActions[releaseActionIndex].RefCount++
		p.plan.NodeReleaseList[nodeIndex] = append(
			p.plan.NodeReleaseList[nodeIndex], releaseActionIndex)
	}

	for valueIndex, consumers := range valueConsumers {
		if len(consumers) == 0 {
			continue
		}
		p.plan.ReleaseActions = append(p.plan.ReleaseActions,
			streamplan.ReleaseAction{ValueIndex: valueIndex})
		releaseActionIndex := len(p.plan.ReleaseActions) - 1

		allSameStream := true
		streamIndex := p.nodeStreamMap[consumers[0]]
		for _, consumer := range consumers[1:] {
			if p.nodeStreamMap[consumer] != streamIndex {
				allSameStream = false
				break
			}
		}

		if allSameStream {
			// the first recorded consumer is the last to execute on the
			// stream, so the release can be attached statically
			processConsumer(releaseActionIndex, consumers[0])
		} else {
			for _, consumer := range consumers {
				processConsumer(releaseActionIndex, consumer)
			}
		}
	}

	return nil
}
