package planner

import (
	"sort"

	"github.com/pkg/errors"

	"github.com/sarchlab/streamplan"
)

// computeValueLocation decides the memory device of every value: graph
// inputs and outer-scope args from their consumers, implicit inputs from the
// outer scope or the consuming provider, and node outputs from the producing
// kernel.
func (p *Planner) computeValueLocation() error {
	graphInputs := make(map[string]bool)
	for _, in := range p.graph.InputsIncludingInitializers() {
		graphInputs[in.Name] = true
	}

	for _, in := range p.graph.Inputs {
		index, err := p.index(in.Name)
		if err != nil {
			return err
		}
		p.processDef(index, in)
	}
	for _, arg := range p.outerScopeArgs {
		index, err := p.index(arg.Name)
		if err != nil {
			return err
		}
		p.processDef(index, arg)
	}
	for name, init := range p.graph.Initializers {
		index, err := p.index(name)
		if err != nil {
			return err
		}
		p.processDef(index, init)
	}

	hasExplicitConsumer := make(map[int]bool)
	implicitConsumerProvider := make(map[int]streamplan.ExecutionProvider)
	hasHeterogeneousConsumers := make(map[int]bool)

	for _, stream := range p.streamNodes {
		for _, nodeIndex := range stream {
			node := p.graph.Node(nodeIndex)
			if node == nil {
				return errors.Wrapf(ErrIndexOutOfRange, "can not find the node %d", nodeIndex)
			}

			info, err := p.kernelInfoFor(nodeIndex)
			if err != nil {
				return err
			}
			kernelDef := info.Def

			provider := p.providers.GetForNode(node)
			if provider == nil {
				return errors.Wrapf(ErrUnknownProvider,
					"can not find the execution provider %q", node.Provider)
			}

			processInput := func(input *streamplan.Value, argIndex int, isImplicit bool) error {
				name := input.Name
				isGraphInput := graphInputs[name]
				isOuterScopeArg := p.isOuterScopeArg(name)
				isSubgraph := p.parentNode != nil

				if !isGraphInput && !isOuterScopeArg {
					return nil
				}

				index, err := p.index(name)
				if err != nil {
					return err
				}

				if !isImplicit {
					memType := kernelDef.InputMemType(argIndex)
					p.plan.SetLocation(index, provider.MemoryInfo(memType))
					hasExplicitConsumer[index] = true
					return nil
				}

				if hasExplicitConsumer[index] {
					// an explicit consumer at this graph level decides the
					// location
					return nil
				}

				if isSubgraph {
					// a pass-through subgraph input keeps its outer-scope
					// location; copying decisions are deferred to the level
					// with an explicit consumer
					location, found := p.outerScopeLocations[name]
					if !found && !isGraphInput {
						return errors.Wrapf(ErrMissingOuterScopeLocation,
							"implicit input %q", name)
					}
					if found {
						p.plan.SetLocation(index, location)
					}
					return nil
				}

				// top level: place the implicit input on the device of its
				// consuming provider, falling back to CPU when several
				// providers are involved
				if hasHeterogeneousConsumers[index] {
					return nil
				}
				seen, ok := implicitConsumerProvider[index]
				switch {
				case !ok:
					p.plan.SetLocation(index, provider.MemoryInfo(streamplan.MemTypeDefault))
					implicitConsumerProvider[index] = provider
				case seen == provider:
					p.plan.SetLocation(index, provider.MemoryInfo(streamplan.MemTypeDefault))
				default:
					p.plan.SetLocation(index, p.providers.DefaultCPUMemoryInfo())
					hasHeterogeneousConsumers[index] = true
				}
				return nil
			}

			for argIndex, input := range node.Inputs {
				if !input.Exists() {
					continue
				}
				if err := processInput(input, argIndex, false); err != nil {
					return err
				}
			}
			for argIndex, input := range node.ImplicitInputs {
				if !input.Exists() {
					continue
				}
				if err := processInput(input, argIndex, true); err != nil {
					return err
				}
			}

			for argIndex, output := range node.Outputs {
				if !output.Exists() {
					continue
				}
				index, err := p.index(output.Name)
				if err != nil {
					return err
				}
				p.processDef(index, output)
				memType := kernelDef.OutputMemType(argIndex)
				p.plan.SetLocation(index, provider.MemoryInfo(memType))
			}
		}
	}

	return nil
}

func (p *Planner) isOuterScopeArg(name string) bool {
	for _, arg := range p.outerScopeArgs {
		if arg.Exists() && arg.Name == name {
			return true
		}
	}
	return false
}

// computePlanForInputsAndWeights finalizes the allocation kinds of values
// the planner does not allocate: caller-supplied inputs, outer-scope args,
// and statically allocated initializers.
func (p *Planner) computePlanForInputsAndWeights() error {
	setupPreExisting := func(arg *streamplan.Value) error {
		index, err := p.index(arg.Name)
		if err != nil {
			return err
		}
		entry := p.allocPlan(index)
		entry.Kind = streamplan.AllocKindPreExisting
		entry.ValueType = arg.Type
		return nil
	}

	// graph inputs are owned by the caller; they are allocated before Run
	// and never reused during inference
	for _, in := range p.graph.Inputs {
		if err := setupPreExisting(in); err != nil {
			return err
		}
	}

	// outer-scope args are treated the same as graph inputs
	for _, arg := range p.outerScopeArgs {
		if err := setupPreExisting(arg); err != nil {
			return err
		}
	}

	return p.generatePlanForWeights()
}

// generatePlanForWeights places each initializer at the location of its
// first use in a top-down traversal of the graph and all nested subgraphs.
// An initializer used on several devices within one graph level has been
// duplicated by the copy-insertion transformer upstream, so the first
// location wins.
func (p *Planner) generatePlanForWeights() error {
	locations := make(map[int][]streamplan.MemoryInfo)

	err := p.planWeightsInGraph(p.graph, p.kernelInfo, "", 0, locations)
	if err != nil {
		return err
	}

	for index, found := range locations {
		if len(found) == 0 {
			continue
		}
		entry := p.allocPlan(index)
		entry.Kind = streamplan.AllocKindAllocateStatically
		entry.Location = found[0]
		if info := p.valueInfo[index].defSite; info != nil {
			entry.ValueType = info.Type
		}
	}

	return nil
}

func (p *Planner) planWeightsInGraph(
	g *streamplan.Graph,
	kernelInfo streamplan.KernelInfoMap,
	keyBase string,
	graphDepth int,
	locations map[int][]streamplan.MemoryInfo,
) error {
	for _, nodeIndex := range g.TopologicalOrder() {
		node := g.Node(nodeIndex)
		for argIndex, input := range node.Inputs {
			if !input.Exists() {
				continue
			}
			if _, ok := p.graph.Initializers[input.Name]; !ok {
				continue
			}

			// a weight name not threaded through the parent's implicit
			// inputs is shadowed inside the subgraph
			if graphDepth > 0 && isShadowValueInSubgraph(g.Parent, input.Name) {
				continue
			}

			index, err := p.index(input.Name)
			if err != nil {
				return err
			}
			location, err := p.locationForNodeInput(argIndex, node, kernelInfo)
			if err != nil {
				return err
			}
			locations[index] = append(locations[index], location)
		}
	}

	for _, nodeIndex := range g.TopologicalOrder() {
		node := g.Node(nodeIndex)
		if !node.ContainsSubgraph() {
			continue
		}
		attrNames := make([]string, 0, len(node.Subgraphs))
		for attrName := range node.Subgraphs {
			attrNames = append(attrNames, attrName)
		}
		sort.Strings(attrNames)
		for _, attrName := range attrNames {
			subgraph := node.Subgraphs[attrName]
			key := streamplan.NestedSubgraphKey(keyBase, graphDepth, node.Index, attrName)
			subgraphKernelInfo, ok := p.subgraphKernelInfo[key]
			if !ok {
				return errors.Wrapf(ErrMissingKernelInfo,
					"no kernel metadata for subgraph %q", key)
			}
			err := p.planWeightsInGraph(subgraph, subgraphKernelInfo, key, graphDepth+1, locations)
			if err != nil {
				return err
			}
		}
	}

	return nil
}

func isShadowValueInSubgraph(parent *streamplan.Node, name string) bool {
	if parent == nil {
		return true
	}
	for _, implicit := range parent.ImplicitInputs {
		if implicit.Exists() && implicit.Name == name {
			return false
		}
	}
	return true
}

// locationForNodeInput returns where the node's kernel wants the given input.
// Weights wanted on the CPU are not produced by any node, so the host CPU
// allocator is the right answer for them.
func (p *Planner) locationForNodeInput(
	argIndex int,
	node *streamplan.Node,
	kernelInfo streamplan.KernelInfoMap,
) (streamplan.MemoryInfo, error) {
	provider := p.providers.GetForNode(node)
	if provider == nil {
		return streamplan.MemoryInfo{}, errors.Wrapf(ErrUnknownProvider,
			"can not find the execution provider %q", node.Provider)
	}

	info, ok := kernelInfo[node.Index]
	if !ok || info == nil || info.Def == nil {
		return streamplan.MemoryInfo{}, errors.Wrapf(ErrMissingKernelInfo,
			"node %d", node.Index)
	}

	if info.Def.InputMemType(argIndex) != streamplan.MemTypeDefault {
		return p.providers.DefaultCPUMemoryInfo(), nil
	}
	return provider.MemoryInfo(streamplan.MemTypeDefault), nil
}
