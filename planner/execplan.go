package planner

import (
	"github.com/pkg/errors"

	"github.com/sarchlab/streamplan"
)

// buildExecutionPlan emits the ordered steps of every logic stream and
// installs the notifications between cross-stream producer/consumer pairs.
// It also records the dependence graph combining model edges with the
// intra-stream predecessor edges, which drives the multi-stream reuse
// optimizer.
func (p *Planner) buildExecutionPlan() error {
	executionPlan := &p.plan.ExecutionPlan
	for i := 0; i < p.numLogicStreams; i++ {
		*executionPlan = append(*executionPlan, &streamplan.LogicStream{})
	}

	// a node whose output crosses into another stream owns a notification
	numNotifications := 0
	nodeToNotification := make(map[int]int)
	for i := 0; i < p.numLogicStreams; i++ {
		inStream := make(map[int]bool)
		for _, nodeIndex := range p.streamNodes[i] {
			inStream[nodeIndex] = true
		}
		for _, nodeIndex := range p.streamNodes[i] {
			node := p.graph.Node(nodeIndex)
			for _, consumer := range p.graph.OutputNodes(node) {
				if !inStream[consumer.Index] {
					nodeToNotification[nodeIndex] = numNotifications
					numNotifications++
					break
				}
			}
		}
	}

	// bind each stream to its provider
	for i := 0; i < p.numLogicStreams; i++ {
		for _, nodeIndex := range p.streamNodes[i] {
			node := p.graph.Node(nodeIndex)
			provider := p.providers.GetForNode(node)
			if provider == nil {
				return errors.Wrapf(ErrUnknownProvider,
					"can not find the execution provider %q", node.Provider)
			}
			stream := (*executionPlan)[i]
			if stream.Provider == nil {
				stream.Provider = provider
			} else if stream.Provider != provider {
				return errors.Wrapf(ErrBadPartitionConfig,
					"stream %d mixes execution providers", i)
			}
		}
	}

	// a notification is owned by the stream of the node that produced it
	p.plan.NotificationOwners = make([]int, numNotifications)
	for _, nodeIndex := range p.graph.TopologicalOrder() {
		if notification, ok := nodeToNotification[nodeIndex]; ok {
			p.plan.NotificationOwners[notification] = p.nodeStreamMap[nodeIndex]
		}
	}

	for i := 0; i < p.numLogicStreams; i++ {
		inStream := make(map[int]bool)
		for _, nodeIndex := range p.streamNodes[i] {
			inStream[nodeIndex] = true
		}
		stream := (*executionPlan)[i]

		for j, nodeIndex := range p.streamNodes[i] {
			if j > 0 {
				p.addDependency(nodeIndex, p.streamNodes[i][j-1])
			}

			node := p.graph.Node(nodeIndex)

			// a producer on another stream gates this node behind a barrier,
			// plus a device-side wait when the provider pair registered one
			for _, producer := range p.graph.InputNodes(node) {
				if inStream[producer.Index] {
					continue
				}
				notification, ok := nodeToNotification[producer.Index]
				if !ok {
					return errors.Wrapf(ErrIndexOutOfRange,
						"producer %d of node %d has no notification",
						producer.Index, nodeIndex)
				}

				barrierID := p.plan.NumBarriers
				p.plan.NumBarriers++
				p.plan.DownstreamMap[notification] = append(
					p.plan.DownstreamMap[notification],
					streamplan.StepRef{StreamIndex: i, StepIndex: len(stream.Steps)},
				)
				stream.Steps = append(stream.Steps,
					&streamplan.BarrierStep{BarrierID: barrierID})

				ownerStream := (*executionPlan)[p.plan.NotificationOwners[notification]]
				waitHandle := p.waitHandles.GetWaitHandle(
					ownerStream.Provider.Type(), node.Provider)
				if waitHandle != nil {
					stream.Steps = append(stream.Steps, &streamplan.WaitOnEPStep{
						NotificationIndex: notification,
						Wait:              waitHandle,
					})
				}
			}

			for _, consumer := range p.graph.OutputNodes(node) {
				p.addDependency(consumer.Index, nodeIndex)
			}

			stream.Steps = append(stream.Steps,
				&streamplan.LaunchKernelStep{NodeIndex: nodeIndex})

			if notification, ok := nodeToNotification[nodeIndex]; ok {
				stream.Steps = append(stream.Steps,
					&streamplan.ActivateNotificationStep{NotificationIndex: notification})
				stream.Steps = append(stream.Steps,
					&streamplan.TriggerDownstreamStep{NotificationIndex: notification})
			}
		}
	}

	for _, nodeIndex := range p.graph.TopologicalOrder() {
		node := p.graph.Node(nodeIndex)
		for _, output := range node.Outputs {
			if !output.Exists() {
				continue
			}
			index, err := p.index(output.Name)
			if err != nil {
				return err
			}
			p.plan.ValueToStream[index] = p.nodeStreamMap[nodeIndex]
			p.valueNodeMap[index] = nodeIndex
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
			if p.valueConsumers[index] == nil {
				p.valueConsumers[index] = make(map[int]struct{})
			}
			p.valueConsumers[index][nodeIndex] = struct{}{}
		}
	}

	return nil
}

func (p *Planner) addDependency(downstream, upstream int) {
	if p.dependenceGraph[downstream] == nil {
		p.dependenceGraph[downstream] = make(map[int]struct{})
	}
	p.dependenceGraph[downstream][upstream] = struct{}{}
	if p.dependenceGraph[upstream] == nil {
		p.dependenceGraph[upstream] = make(map[int]struct{})
	}
}
