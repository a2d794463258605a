package planner

import (
	"os"
	"path/filepath"

	ginkgo "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/streamplan"
)

var _ = ginkgo.Describe("Multi-Stream Reuse Optimizer", func() {
	var (
		tmpDir     string
		configFile string
	)

	ginkgo.BeforeEach(func() {
		var err error
		tmpDir, err = os.MkdirTemp("", "streamplan")
		Expect(err).To(BeNil())
		configFile = filepath.Join(tmpDir, "partition.txt")
	})

	ginkgo.AfterEach(func() {
		Expect(os.RemoveAll(tmpDir)).To(BeNil())
	})

	writeConfig := func(content string) {
		Expect(os.WriteFile(configFile, []byte(content), 0644)).To(BeNil())
	}

	// a diamond over two streams of one provider: A, B, D, E on the first
	// stream, C on the second. D consumes both branches; E drains D.
	buildDiamond := func(branchDim int64) (*streamplan.Graph, *streamplan.ValueIndexMap, streamplan.KernelInfoMap) {
		x := tensorValue("x", 4)
		a := tensorValue("a", 4)
		b := tensorValue("b", branchDim)
		c := tensorValue("c", branchDim)
		d := tensorValue("d", 4)
		e := tensorValue("e", 4)

		graph := &streamplan.Graph{
			Name:    "diamond",
			Inputs:  []*streamplan.Value{x},
			Outputs: []*streamplan.Value{e},
			Nodes: []*streamplan.Node{
				{Index: 0, Name: "A", OpType: "Exp",
					Provider: streamplan.CPUProviderType,
					Inputs:   []*streamplan.Value{x},
					Outputs:  []*streamplan.Value{a}},
				{Index: 1, Name: "B", OpType: "Pad",
					Provider: streamplan.CPUProviderType,
					Inputs:   []*streamplan.Value{a},
					Outputs:  []*streamplan.Value{b}},
				{Index: 2, Name: "C", OpType: "Tile",
					Provider: streamplan.CPUProviderType,
					Inputs:   []*streamplan.Value{a},
					Outputs:  []*streamplan.Value{c}},
				{Index: 3, Name: "D", OpType: "Add",
					Provider: streamplan.CPUProviderType,
					Inputs:   []*streamplan.Value{b, c},
					Outputs:  []*streamplan.Value{d}},
				{Index: 4, Name: "E", OpType: "Sqrt",
					Provider: streamplan.CPUProviderType,
					Inputs:   []*streamplan.Value{d},
					Outputs:  []*streamplan.Value{e}},
			},
		}

		kernelInfo := defaultKernelInfo(graph)
		values := streamplan.BuildValueIndexMap(graph, nil)
		return graph, values, kernelInfo
	}

	ginkgo.It("should reuse an upstream buffer once every reader precedes the taker", func() {
		writeConfig("DefaultPartition\n" +
			"ExecutionProviders:1\n" +
			"CPUExecutionProvider:2\n" +
			"A,B,D,E\n" +
			"C\n")

		graph, values, kernelInfo := buildDiamond(8)
		p := New(graph, cpuProviders(), kernelInfo, values)
		p.SetPartitionConfigFile(configFile)

		plan, err := p.CreatePlan()
		Expect(err).To(BeNil())

		a := mustIndex(values, "a")
		b := mustIndex(values, "b")
		c := mustIndex(values, "c")
		d := mustIndex(values, "d")

		// D waits on both streams, so every reader of the first buffer is
		// done before D writes
		Expect(plan.AllocationPlan[d].Kind).To(Equal(streamplan.AllocKindReuse))
		Expect(plan.AllocationPlan[d].ReusedBuffer).To(Equal(a))

		Expect(plan.AllocationPlan[a].Kind).To(Equal(streamplan.AllocKindAllocate))
		Expect(plan.AllocationPlan[b].Kind).To(Equal(streamplan.AllocKindAllocate))
		Expect(plan.AllocationPlan[c].Kind).To(Equal(streamplan.AllocKindAllocate))
	})

	ginkgo.It("should not reuse a buffer a concurrent stream may still read", func() {
		// same diamond, but D consumes only the first branch: the second
		// stream may still be reading the first buffer when D writes
		x := tensorValue("x", 4)
		a := tensorValue("a", 4)
		b := tensorValue("b", 4)
		c := tensorValue("c", 4)
		d := tensorValue("d", 4)
		e := tensorValue("e", 4)

		graph := &streamplan.Graph{
			Name:    "unsafe",
			Inputs:  []*streamplan.Value{x},
			Outputs: []*streamplan.Value{c, e},
			Nodes: []*streamplan.Node{
				{Index: 0, Name: "A", OpType: "Exp",
					Provider: streamplan.CPUProviderType,
					Inputs:   []*streamplan.Value{x},
					Outputs:  []*streamplan.Value{a}},
				{Index: 1, Name: "B", OpType: "Relu",
					Provider: streamplan.CPUProviderType,
					Inputs:   []*streamplan.Value{a},
					Outputs:  []*streamplan.Value{b}},
				{Index: 2, Name: "C", OpType: "Sqrt",
					Provider: streamplan.CPUProviderType,
					Inputs:   []*streamplan.Value{a},
					Outputs:  []*streamplan.Value{c}},
				{Index: 3, Name: "D", OpType: "Abs",
					Provider: streamplan.CPUProviderType,
					Inputs:   []*streamplan.Value{b},
					Outputs:  []*streamplan.Value{d}},
				{Index: 4, Name: "E", OpType: "Neg",
					Provider: streamplan.CPUProviderType,
					Inputs:   []*streamplan.Value{d},
					Outputs:  []*streamplan.Value{e}},
			},
		}

		writeConfig("DefaultPartition\n" +
			"ExecutionProviders:1\n" +
			"CPUExecutionProvider:2\n" +
			"A,B,D,E\n" +
			"C\n")

		kernelInfo := defaultKernelInfo(graph)
		values := streamplan.BuildValueIndexMap(graph, nil)
		p := New(graph, cpuProviders(), kernelInfo, values)
		p.SetPartitionConfigFile(configFile)

		plan, err := p.CreatePlan()
		Expect(err).To(BeNil())

		aIdx := mustIndex(values, "a")
		bIdx := mustIndex(values, "b")
		dIdx := mustIndex(values, "d")

		// the baseline suppressed reuse and the optimizer finds no taker
		// whose ancestors cover the concurrent reader
		Expect(plan.AllocationPlan[aIdx].Kind).To(Equal(streamplan.AllocKindAllocate))
		Expect(plan.AllocationPlan[bIdx].Kind).To(Equal(streamplan.AllocKindAllocate))
		Expect(plan.AllocationPlan[dIdx].Kind).To(Equal(streamplan.AllocKindAllocate))
	})

	ginkgo.It("should satisfy stream safety for every optimizer reuse edge", func() {
		writeConfig("DefaultPartition\n" +
			"ExecutionProviders:1\n" +
			"CPUExecutionProvider:2\n" +
			"A,B,D,E\n" +
			"C\n")

		graph, values, kernelInfo := buildDiamond(4)
		p := New(graph, cpuProviders(), kernelInfo, values)
		p.SetPartitionConfigFile(configFile)

		plan, err := p.CreatePlan()
		Expect(err).To(BeNil())

		ancestors := func(nodeIndex int) map[int]bool {
			result := make(map[int]bool)
			var dfs func(current int)
			dfs = func(current int) {
				if result[current] {
					return
				}
				result[current] = true
				for upstream := range p.dependenceGraph[current] {
					dfs(upstream)
				}
			}
			dfs(nodeIndex)
			return result
		}

		reuseEdges := 0
		for index, entry := range plan.AllocationPlan {
			if entry.Kind != streamplan.AllocKindReuse {
				continue
			}
			reuseEdges++
			donor := entry.ReusedBuffer
			takerNode := p.valueNodeMap[index]
			takerAncestors := ancestors(takerNode)

			donorName, err := values.Name(donor)
			Expect(err).To(BeNil())
			for _, consumer := range graph.ConsumersOf(donorName) {
				Expect(takerAncestors[consumer.Index]).To(BeTrue())
			}
		}
		Expect(reuseEdges).To(BeNumerically(">", 0))
	})

	ginkgo.It("should never pick a graph output as a reuse target", func() {
		writeConfig("DefaultPartition\n" +
			"ExecutionProviders:1\n" +
			"CPUExecutionProvider:2\n" +
			"A,B,D,E\n" +
			"C\n")

		graph, values, kernelInfo := buildDiamond(4)
		p := New(graph, cpuProviders(), kernelInfo, values)
		p.SetPartitionConfigFile(configFile)

		plan, err := p.CreatePlan()
		Expect(err).To(BeNil())

		e := mustIndex(values, "e")
		Expect(plan.AllocationPlan[e].Kind).To(Equal(streamplan.AllocKindAllocateOutput))
		for _, entry := range plan.AllocationPlan {
			if entry.Kind == streamplan.AllocKindReuse {
				Expect(entry.ReusedBuffer).NotTo(Equal(e))
			}
		}
	})
})
