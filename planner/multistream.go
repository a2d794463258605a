package planner

import (
	"sort"

	"github.com/sarchlab/streamplan"
)

// waitingValue is one downstream value wanting to take over an upstream
// buffer: the value itself and the ancestor set of its producing node.
type waitingValue struct {
	value      *streamplan.Value
	valueIndex int
	deps       map[int]struct{}
}

// optimizeReusePlanForMultiStream overlays reuse onto the conservative
// baseline. It walks the dependence graph from the sinks upward; at each
// node it first retries the kernel's own input-reuse contracts, then offers
// the node's outputs to downstream values of the same location and size. A
// downstream value may take a buffer only when every consumer of that buffer
// is among its ancestors, so no stream can still be reading the buffer when
// it is overwritten.
func (p *Planner) optimizeReusePlanForMultiStream() error {
	dependents := make(map[int]int)
	for _, upstreams := range p.dependenceGraph {
		for upstream := range upstreams {
			dependents[upstream]++
		}
	}
	var queue []int
	for nodeIndex := range p.dependenceGraph {
		if dependents[nodeIndex] == 0 {
			queue = append(queue, nodeIndex)
		}
	}
	sort.Ints(queue)

	// fetchAllDependents collects every node that must complete before the
	// given node runs
	fetchAllDependents := func(nodeIndex int) map[int]struct{} {
		deps := make(map[int]struct{})
		var dfs func(current int)
		dfs = func(current int) {
			if _, ok := deps[current]; ok {
				return
			}
			deps[current] = struct{}{}
			for upstream := range p.dependenceGraph[current] {
				dfs(upstream)
			}
		}
		dfs(nodeIndex)
		return deps
	}

	// waitingList keys values that want to reuse an upstream buffer by the
	// buffer's location and byte size; the inner list keeps insertion order
	// and the first match wins
	waitingList := make(map[streamplan.MemoryInfo]map[int64][]waitingValue)

	dependentsMap := make(map[int]map[int]struct{})
	inputOutputMap := make(map[int]map[int]struct{})
	reused := make(map[int]struct{})

	allocationPlan := p.plan.AllocationPlan

	tryReuseInput := func(nodeIndex int) {
		node := p.graph.Node(nodeIndex)

		for outputArgIndex, output := range node.Outputs {
			if !output.Exists() {
				continue
			}
			outputIndex, err := p.values.Index(output.Name)
			if err != nil || allocationPlan[outputIndex].Kind != streamplan.AllocKindAllocate {
				continue
			}

			info, ok := p.kernelInfo[nodeIndex]
			if !ok || info == nil || info.Def == nil {
				continue
			}
			kernelDef := info.Def

			for _, input := range node.Inputs {
				if !input.Exists() {
					continue
				}
				if inputIndex, err := p.values.Index(input.Name); err == nil {
					if inputOutputMap[inputIndex] == nil {
						inputOutputMap[inputIndex] = make(map[int]struct{})
					}
					inputOutputMap[inputIndex][outputIndex] = struct{}{}
				}
			}

			rewrite := func(reusableInput int) {
				entry := &allocationPlan[outputIndex]
				entry.Kind = streamplan.AllocKindReuse
				entry.ReusedBuffer = reusableInput
				p.mergeConsumers(reusableInput, outputIndex)
				reused[reusableInput] = struct{}{}
			}

			foundReusable := false
			for _, pair := range kernelDef.Alias {
				if pair.Output != outputArgIndex {
					continue
				}
				// the aliasing is required, e.g. for reshape
				if pair.Input >= 0 && pair.Input < len(node.Inputs) {
					input := node.Inputs[pair.Input]
					if !input.Exists() {
						continue
					}
					reusableInput, err := p.values.Index(input.Name)
					if err == nil &&
						allocationPlan[reusableInput].Kind == streamplan.AllocKindAllocate {
						p.log.Infof("%s reused by %s as input", input.Name, output.Name)
						rewrite(reusableInput)
						foundReusable = true
						break
					}
				}
			}
			if foundReusable {
				continue
			}

			if kernelDef.VariadicAlias != nil {
				inputIndex := outputArgIndex - kernelDef.VariadicAlias.OutputOffset +
					kernelDef.VariadicAlias.InputOffset
				if inputIndex >= 0 && inputIndex < len(node.Inputs) {
					input := node.Inputs[inputIndex]
					if input.Exists() {
						reusableInput, err := p.values.Index(input.Name)
						if err == nil &&
							allocationPlan[reusableInput].Kind == streamplan.AllocKindAllocate {
							p.log.Infof("%s reused by %s as input", input.Name, output.Name)
							rewrite(reusableInput)
							continue
						}
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
				inputIndex, err := p.values.Index(input.Name)
				if err != nil ||
					allocationPlan[inputIndex].Kind != streamplan.AllocKindAllocate {
					continue
				}
				if len(p.valueConsumers[inputIndex]) == 1 && p.sameSize(input, output) {
					p.log.Infof("%s reused by %s as an input", input.Name, output.Name)
					entry := &allocationPlan[outputIndex]
					entry.Kind = streamplan.AllocKindReuse
					entry.ReusedBuffer = inputIndex
					p.mergeConsumers(inputIndex, outputIndex)
					reused[inputIndex] = struct{}{}
				}
			}
		}
	}

	tryReuseOutput := func(nodeIndex int) {
		dependentsMap[nodeIndex] = fetchAllDependents(nodeIndex)
		node := p.graph.Node(nodeIndex)

		for _, output := range node.Outputs {
			if !output.Exists() {
				continue
			}
			outputIndex, err := p.values.Index(output.Name)
			if err != nil {
				continue
			}
			if _, ok := reused[outputIndex]; ok {
				continue
			}
			if allocationPlan[outputIndex].Kind != streamplan.AllocKindAllocate {
				continue
			}

			shape := p.ctx.GetShape(output)
			if shape == nil {
				continue
			}
			sizeInBytes := p.byteSize(output)
			location := allocationPlan[outputIndex].Location

			if waitingList[location] == nil {
				waitingList[location] = make(map[int64][]waitingValue)
			}
			bucket := waitingList[location][sizeInBytes]

			getReused := false
			for k := 0; k < len(bucket); k++ {
				downstream := bucket[k]

				// a direct consumer of this output cannot take its buffer
				if _, ok := inputOutputMap[outputIndex][downstream.valueIndex]; ok {
					continue
				}
				if !p.sameSize(downstream.value, output) {
					continue
				}
				if _, ok := downstream.deps[nodeIndex]; !ok {
					continue
				}

				// the buffer may only be taken once every reader of it is an
				// ancestor of the taker
				allCovered := true
				for consumer := range p.valueConsumers[outputIndex] {
					if _, ok := downstream.deps[consumer]; !ok {
						allCovered = false
						break
					}
				}
				if !allCovered {
					continue
				}

				p.log.Infof("%s reused by %s as remote tensor",
					output.Name, downstream.value.Name)
				entry := &allocationPlan[downstream.valueIndex]
				entry.Kind = streamplan.AllocKindReuse
				entry.ReusedBuffer = outputIndex

				if p.valueConsumers[outputIndex] == nil {
					p.valueConsumers[outputIndex] = make(map[int]struct{})
				}
				if producer, ok := p.valueNodeMap[downstream.valueIndex]; ok {
					p.valueConsumers[outputIndex][producer] = struct{}{}
				}
				p.mergeConsumers(outputIndex, downstream.valueIndex)

				bucket = append(bucket[:k], bucket[k+1:]...)
				getReused = true
				break
			}

			if getReused {
				reused[outputIndex] = struct{}{}
				waitingList[location][sizeInBytes] = bucket
			} else {
				waitingList[location][sizeInBytes] = append(bucket, waitingValue{
					value:      output,
					valueIndex: outputIndex,
					deps:       dependentsMap[nodeIndex],
				})
			}
		}
	}

	// topological traversal of the dependence graph, sinks first
	for len(queue) > 0 {
		nodeIndex := queue[0]
		queue = queue[1:]
		tryReuseInput(nodeIndex)
		tryReuseOutput(nodeIndex)

		upstreams := make([]int, 0, len(p.dependenceGraph[nodeIndex]))
		for upstream := range p.dependenceGraph[nodeIndex] {
			upstreams = append(upstreams, upstream)
		}
		sort.Ints(upstreams)
		for _, upstream := range upstreams {
			dependents[upstream]--
			if dependents[upstream] == 0 {
				queue = append(queue, upstream)
			}
		}
	}

	return nil
}

func (p *Planner) mergeConsumers(into, from int) {
	if p.valueConsumers[into] == nil {
		p.valueConsumers[into] = make(map[int]struct{})
	}
	for consumer := range p.valueConsumers[from] {
		p.valueConsumers[into][consumer] = struct{}{}
	}
}

// byteSize is the waiting-list bucket key: the element size times every
// dimension known by value. Values matched inside a bucket are still checked
// with the full size-equality rule.
func (p *Planner) byteSize(v *streamplan.Value) int64 {
	shape := p.ctx.GetShape(v)
	if shape == nil {
		return 0
	}
	total := int64(v.Type.Elem.Size())
	for _, d := range shape.Dims {
		if d.HasValue() {
			total *= d.Value
		}
	}
	return total
}
