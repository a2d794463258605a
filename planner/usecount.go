package planner

import (
	"github.com/pkg/errors"
)

// computeReuseCount computes the static reference count of every value. The
// count is consumed destructively by the reuse planner: the production of an
// output and every later use each pay one decrement, and pinning uses
// (caller-visible values) keep the count from ever reaching zero.
func (p *Planner) computeReuseCount() error {
	for _, in := range p.graph.Inputs {
		index, err := p.index(in.Name)
		if err != nil {
			return err
		}
		// models the caller's usage post-inference; never reused
		*p.useCount(index)++
	}

	for _, arg := range p.outerScopeArgs {
		index, err := p.index(arg.Name)
		if err != nil {
			return err
		}
		// this graph does not own the buffer
		*p.useCount(index)++
	}

	for name := range p.graph.Initializers {
		index, err := p.index(name)
		if err != nil {
			return err
		}
		*p.useCount(index)++
	}

	for _, stream := range p.streamNodes {
		for _, nodeIndex := range stream {
			node := p.graph.Node(nodeIndex)
			if node == nil {
				return errors.Wrapf(ErrIndexOutOfRange, "can not find the node %d", nodeIndex)
			}

			for _, input := range node.Inputs {
				if !input.Exists() {
					continue
				}
				index, err := p.index(input.Name)
				if err != nil {
					return err
				}
				*p.useCount(index)++
			}
			for _, input := range node.ImplicitInputs {
				if !input.Exists() {
					continue
				}
				index, err := p.index(input.Name)
				if err != nil {
					return err
				}
				*p.useCount(index)++
			}

			hasExternalOutputs := p.hasExternalOutputs(node)
			for _, output := range node.Outputs {
				if !output.Exists() {
					continue
				}
				index, err := p.index(output.Name)
				if err != nil {
					return err
				}
				// the extra count of an external output guarantees it is
				// never considered for reuse
				if hasExternalOutputs {
					*p.useCount(index) += 2
				} else {
					*p.useCount(index)++
				}
			}
		}
	}

	for _, out := range p.graph.Outputs {
		index, err := p.index(out.Name)
		if err != nil {
			return err
		}
		// models the caller's usage post-inference; never reused
		*p.useCount(index)++
	}

	return nil
}
