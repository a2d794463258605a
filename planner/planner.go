// Package planner builds the stream execution plan and the allocation plan
// of a frozen inference graph.
package planner

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/sarchlab/streamplan"
)

// valueInfo is auxiliary per-value state used only during plan generation.
type valueInfo struct {
	defSite *streamplan.Value
	// useCount is the static reference count of the value.
	useCount int
	// reusedBuffer chases to the root buffer carrying the real allocation
	// decision. Initialized to -1; a value whose definition site was never
	// processed keeps -1 and is skipped by the use-count and release passes.
	reusedBuffer int
}

// freeBufferInfo tracks a buffer that is free to be reused. deallocatePoint
// is the program counter after which the buffer is free.
type freeBufferInfo struct {
	valueIndex      int
	deallocatePoint int
}

// A Planner builds a SequentialExecutionPlan for one graph. Create one with
// New, adjust it with the setters, then call CreatePlan once. A Planner must
// not be shared across goroutines.
type Planner struct {
	graph      *streamplan.Graph
	providers  *streamplan.ExecutionProviders
	kernelInfo streamplan.KernelInfoMap
	values     *streamplan.ValueIndexMap

	parentNode          *streamplan.Node
	outerScopeArgs      []*streamplan.Value
	outerScopeLocations map[string]streamplan.MemoryInfo
	subgraphKernelInfo  streamplan.SubgraphsKernelInfoMaps
	ctx                 Context
	waitHandles         streamplan.StreamHandleRegistry
	partitionConfigFile string
	log                 logrus.FieldLogger

	plan *streamplan.SequentialExecutionPlan

	numLogicStreams int
	streamNodes     [][]int
	nodeStreamMap   []int

	// dependenceGraph maps a node to its immediate upstream nodes, combining
	// model edges with the predecessor edge inside each logic stream.
	dependenceGraph map[int]map[int]struct{}
	valueConsumers  map[int]map[int]struct{}
	valueNodeMap    map[int]int

	valueInfo []valueInfo

	// freelist holds buffers free to be reused, most recently freed last.
	freelist []freeBufferInfo
}

// New creates a planner for the graph with its providers, kernel metadata,
// and value index table.
func New(
	graph *streamplan.Graph,
	providers *streamplan.ExecutionProviders,
	kernelInfo streamplan.KernelInfoMap,
	values *streamplan.ValueIndexMap,
) *Planner {
	return &Planner{
		graph:               graph,
		providers:           providers,
		kernelInfo:          kernelInfo,
		values:              values,
		outerScopeLocations: make(map[string]streamplan.MemoryInfo),
		subgraphKernelInfo:  make(streamplan.SubgraphsKernelInfoMaps),
		ctx:                 DefaultContext{},
		waitHandles:         streamplan.NewWaitHandleRegistry(),
		log:                 logrus.StandardLogger(),
		dependenceGraph:     make(map[int]map[int]struct{}),
		valueConsumers:      make(map[int]map[int]struct{}),
		valueNodeMap:        make(map[int]int),
	}
}

// SetParentNode declares the node of the outer graph owning this graph, for
// subgraph planning.
func (p *Planner) SetParentNode(n *streamplan.Node) {
	p.parentNode = n
}

// SetOuterScopeArgs declares the values visible from the outer scope.
func (p *Planner) SetOuterScopeArgs(args []*streamplan.Value) {
	p.outerScopeArgs = args
}

// SetOuterScopeLocations declares the known locations of outer-scope values.
func (p *Planner) SetOuterScopeLocations(locations map[string]streamplan.MemoryInfo) {
	p.outerScopeLocations = locations
}

// SetSubgraphKernelInfoMaps declares the kernel metadata of nested
// subgraphs, keyed by NestedSubgraphKey.
func (p *Planner) SetSubgraphKernelInfoMaps(maps streamplan.SubgraphsKernelInfoMaps) {
	p.subgraphKernelInfo = maps
}

// SetContext replaces the planning context.
func (p *Planner) SetContext(ctx Context) {
	p.ctx = ctx
}

// SetStreamHandleRegistry declares the wait handles between providers.
func (p *Planner) SetStreamHandleRegistry(r streamplan.StreamHandleRegistry) {
	p.waitHandles = r
}

// SetPartitionConfigFile points the partitioner at a configuration file. An
// empty path partitions one stream per provider.
func (p *Planner) SetPartitionConfigFile(path string) {
	p.partitionConfigFile = path
}

// SetLogger replaces the planner's logger.
func (p *Planner) SetLogger(log logrus.FieldLogger) {
	p.log = log
}

// CreatePlan builds the plan. The returned plan is immutable; the planner
// must not be reused afterwards.
func (p *Planner) CreatePlan() (*streamplan.SequentialExecutionPlan, error) {
	p.plan = &streamplan.SequentialExecutionPlan{
		DownstreamMap: make(map[int][]streamplan.StepRef),
		ValueToStream: make(map[int]int),
	}

	if err := p.partitionIntoStreams(); err != nil {
		return nil, err
	}

	p.initialize()

	if err := p.computeValueLocation(); err != nil {
		return nil, err
	}
	if err := p.computePlanForInputsAndWeights(); err != nil {
		return nil, err
	}

	if err := p.buildExecutionPlan(); err != nil {
		return nil, err
	}

	if err := p.computeReusePlan(); err != nil {
		return nil, err
	}

	if err := p.generateDeallocationPlan(); err != nil {
		return nil, err
	}

	return p.plan, nil
}

func (p *Planner) initialize() {
	numValues := p.values.MaxIndex() + 1

	p.valueInfo = make([]valueInfo, numValues)
	for i := range p.valueInfo {
		p.valueInfo[i].reusedBuffer = -1
	}

	p.plan.AllocationPlan = make([]streamplan.AllocPlanEntry, numValues)
	p.plan.ExecutionPlan = make([]*streamplan.LogicStream, 0, p.numLogicStreams)
	p.plan.StreamNodes = p.streamNodes
}

// index resolves a value name to its dense index.
func (p *Planner) index(name string) (int, error) {
	index, err := p.values.Index(name)
	if err != nil {
		return -1, errors.Wrapf(ErrIndexOutOfRange, "%v", err)
	}
	return index, nil
}

func (p *Planner) useCount(index int) *int {
	return &p.valueInfo[index].useCount
}

func (p *Planner) decrementUseCount(index int) int {
	p.valueInfo[index].useCount--
	return p.valueInfo[index].useCount
}

// buffer returns the root buffer index the value currently reuses.
func (p *Planner) buffer(index int) int {
	return p.valueInfo[index].reusedBuffer
}

func (p *Planner) allocPlan(index int) *streamplan.AllocPlanEntry {
	return &p.plan.AllocationPlan[index]
}

// processDef initializes the per-value state at the value's definition site.
func (p *Planner) processDef(index int, defSite *streamplan.Value) {
	info := &p.valueInfo[index]
	info.useCount = 0
	info.reusedBuffer = index
	info.defSite = defSite
}

// reuse records that reusedFor shares the root buffer underlying reused, and
// routes reusedFor's remaining uses to that root.
func (p *Planner) reuse(reused, reusedFor int, kind streamplan.AllocKind) {
	if reused == reusedFor {
		panic(fmt.Sprintf("value %d must not reuse itself", reused))
	}
	original := p.buffer(reused)
	p.valueInfo[reusedFor].reusedBuffer = original
	*p.useCount(original) += *p.useCount(reusedFor)

	entry := p.allocPlan(reusedFor)
	entry.Kind = kind
	entry.ReusedBuffer = original
}

func (p *Planner) kernelInfoFor(nodeIndex int) (*streamplan.KernelInfo, error) {
	info, ok := p.kernelInfo[nodeIndex]
	if !ok || info == nil || info.Def == nil {
		return nil, errors.Wrapf(ErrMissingKernelInfo, "node %d", nodeIndex)
	}
	return info, nil
}

func (p *Planner) hasExternalOutputs(n *streamplan.Node) bool {
	info, ok := p.kernelInfo[n.Index]
	if !ok || info == nil || info.Def == nil {
		return false
	}
	return info.Def.ExternalOutputs
}
