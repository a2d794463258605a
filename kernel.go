package streamplan

import "strconv"

// An AliasPair relates an input argument position to an output argument
// position of one kernel.
type AliasPair struct {
	Input  int
	Output int
}

// VariadicAliasOffsets describes variadic kernels where output k must alias
// input k - OutputOffset + InputOffset.
type VariadicAliasOffsets struct {
	InputOffset  int
	OutputOffset int
}

// A KernelDef carries the storage contracts of one kernel: required aliasing,
// permitted in-place pairs, external-output ownership, and per-argument
// memory types.
type KernelDef struct {
	// Alias lists required input-to-output aliasing, e.g. reshape.
	Alias []AliasPair

	// VariadicAlias, when present, aliases variadic inputs and outputs by
	// offset.
	VariadicAlias *VariadicAliasOffsets

	// MayInplace lists pairs the kernel permits to share a buffer when safe.
	MayInplace []AliasPair

	// MayStridedOutput lists pairs that would produce a strided output
	// sharing the input's data. This build has no strided-tensor support and
	// fails planning when such a pair matches.
	MayStridedOutput []AliasPair

	// ExternalOutputs marks kernels whose output storage is owned outside
	// the planner.
	ExternalOutputs bool

	inputMemTypes  map[int]MemType
	outputMemTypes map[int]MemType
}

// SetInputMemType overrides the memory type of one input argument.
func (d *KernelDef) SetInputMemType(arg int, mt MemType) {
	if d.inputMemTypes == nil {
		d.inputMemTypes = make(map[int]MemType)
	}
	d.inputMemTypes[arg] = mt
}

// SetOutputMemType overrides the memory type of one output argument.
func (d *KernelDef) SetOutputMemType(arg int, mt MemType) {
	if d.outputMemTypes == nil {
		d.outputMemTypes = make(map[int]MemType)
	}
	d.outputMemTypes[arg] = mt
}

// InputMemType returns the memory type of an input argument.
func (d *KernelDef) InputMemType(arg int) MemType {
	return d.inputMemTypes[arg]
}

// OutputMemType returns the memory type of an output argument.
func (d *KernelDef) OutputMemType(arg int) MemType {
	return d.outputMemTypes[arg]
}

// A KernelInfo is the planner-visible metadata of one node's kernel.
type KernelInfo struct {
	Def *KernelDef
}

// A KernelInfoMap maps a node index to its kernel metadata.
type KernelInfoMap map[int]*KernelInfo

// SubgraphsKernelInfoMaps maps a nested-subgraph key to the kernel metadata
// of that subgraph's nodes.
type SubgraphsKernelInfoMaps map[string]KernelInfoMap

// NestedSubgraphKey composes the lookup key identifying a nested subgraph
// relative to a graph level: base + graph depth + node index + attribute
// name, concatenated without separators.
func NestedSubgraphKey(base string, graphDepth int, nodeIndex int, attrName string) string {
	return base + strconv.Itoa(graphDepth) + strconv.Itoa(nodeIndex) + attrName
}
