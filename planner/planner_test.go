package planner

import (
	ginkgo "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/streamplan"
)

func tensorValue(name string, dims ...int64) *streamplan.Value {
	shape := &streamplan.Shape{}
	for _, d := range dims {
		shape.Dims = append(shape.Dims, streamplan.Dim{Value: d})
	}
	return &streamplan.Value{
		Name:  name,
		Type:  streamplan.ValueType{Kind: streamplan.ValueKindTensor, Elem: streamplan.DataTypeFloat},
		Shape: shape,
	}
}

func cpuProviders() *streamplan.ExecutionProviders {
	providers := streamplan.NewExecutionProviders()
	err := providers.Register(streamplan.NewProvider(
		streamplan.CPUProviderType, streamplan.DeviceCPU, 0))
	Expect(err).To(BeNil())
	return providers
}

func cpuAndGPUProviders() *streamplan.ExecutionProviders {
	providers := cpuProviders()
	err := providers.Register(streamplan.NewProvider(
		"GPUExecutionProvider", streamplan.DeviceGPU, 0))
	Expect(err).To(BeNil())
	return providers
}

func defaultKernelInfo(graph *streamplan.Graph) streamplan.KernelInfoMap {
	kernelInfo := make(streamplan.KernelInfoMap)
	for _, node := range graph.Nodes {
		kernelInfo[node.Index] = &streamplan.KernelInfo{Def: &streamplan.KernelDef{}}
	}
	return kernelInfo
}

func mustIndex(values *streamplan.ValueIndexMap, name string) int {
	index, err := values.Index(name)
	Expect(err).To(BeNil())
	return index
}

var _ = ginkgo.Describe("Planner", func() {
	ginkgo.Context("with a linear chain on one provider", func() {
		var (
			graph      *streamplan.Graph
			values     *streamplan.ValueIndexMap
			kernelInfo streamplan.KernelInfoMap
			plan       *streamplan.SequentialExecutionPlan
			p          *Planner
		)

		ginkgo.BeforeEach(func() {
			x := tensorValue("x", 4)
			a := tensorValue("a", 4)
			b := tensorValue("b", 4)
			c := tensorValue("c", 4)

			graph = &streamplan.Graph{
				Name:    "linear",
				Inputs:  []*streamplan.Value{x},
				Outputs: []*streamplan.Value{c},
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
						Inputs:   []*streamplan.Value{b},
						Outputs:  []*streamplan.Value{c}},
				},
			}

			kernelInfo = defaultKernelInfo(graph)
			kernelInfo[1].Def.MayInplace = []streamplan.AliasPair{{Input: 0, Output: 0}}

			values = streamplan.BuildValueIndexMap(graph, nil)
			p = New(graph, cpuProviders(), kernelInfo, values)

			var err error
			plan, err = p.CreatePlan()
			Expect(err).To(BeNil())
		})

		ginkgo.It("should place all nodes on one stream", func() {
			Expect(plan.StreamNodes).To(HaveLen(1))
			Expect(plan.StreamNodes[0]).To(Equal([]int{0, 1, 2}))
		})

		ginkgo.It("should reuse the first intermediate for the in-place kernel", func() {
			a := mustIndex(values, "a")
			b := mustIndex(values, "b")

			Expect(plan.AllocationPlan[a].Kind).To(Equal(streamplan.AllocKindAllocate))
			Expect(plan.AllocationPlan[b].Kind).To(Equal(streamplan.AllocKindReuse))
			Expect(plan.AllocationPlan[b].ReusedBuffer).To(Equal(a))
		})

		ginkgo.It("should allocate the graph output", func() {
			c := mustIndex(values, "c")
			Expect(plan.AllocationPlan[c].Kind).To(Equal(streamplan.AllocKindAllocateOutput))
		})

		ginkgo.It("should keep the caller-supplied input pre-existing", func() {
			x := mustIndex(values, "x")
			Expect(plan.AllocationPlan[x].Kind).To(Equal(streamplan.AllocKindPreExisting))
		})

		ginkgo.It("should return the first intermediate's buffer to the freelist", func() {
			a := mustIndex(values, "a")
			Expect(p.freelist).To(HaveLen(1))
			Expect(p.freelist[0].valueIndex).To(Equal(a))
			Expect(p.freelist[0].deallocatePoint).To(Equal(2))
		})

		ginkgo.It("should emit only launch steps", func() {
			Expect(plan.ExecutionPlan).To(HaveLen(1))
			Expect(plan.ExecutionPlan[0].Steps).To(HaveLen(3))
			for _, step := range plan.ExecutionPlan[0].Steps {
				Expect(step).To(BeAssignableToTypeOf(&streamplan.LaunchKernelStep{}))
			}
			Expect(plan.NumBarriers).To(Equal(0))
			Expect(plan.NotificationOwners).To(BeEmpty())
		})

		ginkgo.It("should conserve use counts down to the pinning uses", func() {
			total := 0
			for index := range p.valueInfo {
				if p.buffer(index) == index {
					total += p.valueInfo[index].useCount
				}
			}
			// one graph input and one graph output stay pinned
			Expect(total).To(Equal(2))
		})

		ginkgo.It("should attach one release action to the last consumer", func() {
			a := mustIndex(values, "a")
			Expect(plan.ReleaseActions).To(HaveLen(1))
			Expect(plan.ReleaseActions[0].ValueIndex).To(Equal(a))
			Expect(plan.ReleaseActions[0].RefCount).To(Equal(1))
			// node C is the last consumer of the merged buffer
			Expect(plan.NodeReleaseList[2]).To(Equal([]int{0}))
		})
	})

	ginkgo.Context("with a kernel that requires aliasing", func() {
		var (
			values *streamplan.ValueIndexMap
			plan   *streamplan.SequentialExecutionPlan
		)

		ginkgo.BeforeEach(func() {
			x := tensorValue("x", 2, 4)
			t := tensorValue("t", 2, 4)
			r := tensorValue("r", 8)
			y := tensorValue("y", 8)

			graph := &streamplan.Graph{
				Name:    "reshape",
				Inputs:  []*streamplan.Value{x},
				Outputs: []*streamplan.Value{y},
				Nodes: []*streamplan.Node{
					{Index: 0, Name: "D", OpType: "Exp",
						Provider: streamplan.CPUProviderType,
						Inputs:   []*streamplan.Value{x},
						Outputs:  []*streamplan.Value{t}},
					{Index: 1, Name: "R", OpType: "Reshape",
						Provider: streamplan.CPUProviderType,
						Inputs:   []*streamplan.Value{t},
						Outputs:  []*streamplan.Value{r}},
					{Index: 2, Name: "E", OpType: "Sqrt",
						Provider: streamplan.CPUProviderType,
						Inputs:   []*streamplan.Value{r},
						Outputs:  []*streamplan.Value{y}},
				},
			}

			kernelInfo := defaultKernelInfo(graph)
			kernelInfo[1].Def.Alias = []streamplan.AliasPair{{Input: 0, Output: 0}}

			values = streamplan.BuildValueIndexMap(graph, nil)
			p := New(graph, cpuProviders(), kernelInfo, values)

			var err error
			plan, err = p.CreatePlan()
			Expect(err).To(BeNil())
		})

		ginkgo.It("should reuse the aliased input", func() {
			t := mustIndex(values, "t")
			r := mustIndex(values, "r")

			Expect(plan.AllocationPlan[r].Kind).To(Equal(streamplan.AllocKindReuse))
			Expect(plan.AllocationPlan[r].ReusedBuffer).To(Equal(t))
		})
	})

	ginkgo.Context("with a single node producing the graph output", func() {
		ginkgo.It("should allocate the output and reuse nothing", func() {
			x := tensorValue("x", 4)
			y := tensorValue("y", 4)

			graph := &streamplan.Graph{
				Name:    "single",
				Inputs:  []*streamplan.Value{x},
				Outputs: []*streamplan.Value{y},
				Nodes: []*streamplan.Node{
					{Index: 0, Name: "A", OpType: "Exp",
						Provider: streamplan.CPUProviderType,
						Inputs:   []*streamplan.Value{x},
						Outputs:  []*streamplan.Value{y}},
				},
			}

			kernelInfo := defaultKernelInfo(graph)
			// even a permitted in-place pair must not defeat output pinning
			kernelInfo[0].Def.MayInplace = []streamplan.AliasPair{{Input: 0, Output: 0}}

			values := streamplan.BuildValueIndexMap(graph, nil)
			p := New(graph, cpuProviders(), kernelInfo, values)

			plan, err := p.CreatePlan()
			Expect(err).To(BeNil())

			y0 := mustIndex(values, "y")
			Expect(plan.AllocationPlan[y0].Kind).To(Equal(streamplan.AllocKindAllocateOutput))
		})
	})

	ginkgo.Context("with a cross-stream edge between two providers", func() {
		var (
			graph      *streamplan.Graph
			values     *streamplan.ValueIndexMap
			kernelInfo streamplan.KernelInfoMap
		)

		ginkgo.BeforeEach(func() {
			x := tensorValue("x", 4)
			a := tensorValue("a", 4)
			b := tensorValue("b", 4)

			graph = &streamplan.Graph{
				Name:    "twostreams",
				Inputs:  []*streamplan.Value{x},
				Outputs: []*streamplan.Value{b},
				Nodes: []*streamplan.Node{
					{Index: 0, Name: "A", OpType: "Exp",
						Provider: streamplan.CPUProviderType,
						Inputs:   []*streamplan.Value{x},
						Outputs:  []*streamplan.Value{a}},
					{Index: 1, Name: "B", OpType: "Sqrt",
						Provider: "GPUExecutionProvider",
						Inputs:   []*streamplan.Value{a},
						Outputs:  []*streamplan.Value{b}},
				},
			}

			kernelInfo = defaultKernelInfo(graph)
			values = streamplan.BuildValueIndexMap(graph, nil)
		})

		ginkgo.It("should gate the consumer stream behind a barrier", func() {
			p := New(graph, cpuAndGPUProviders(), kernelInfo, values)

			plan, err := p.CreatePlan()
			Expect(err).To(BeNil())

			Expect(plan.StreamNodes).To(HaveLen(2))
			Expect(plan.NotificationOwners).To(Equal([]int{0}))
			Expect(plan.NumBarriers).To(Equal(1))

			producerSteps := plan.ExecutionPlan[0].Steps
			Expect(producerSteps).To(HaveLen(3))
			Expect(producerSteps[0]).To(Equal(&streamplan.LaunchKernelStep{NodeIndex: 0}))
			Expect(producerSteps[1]).To(Equal(&streamplan.ActivateNotificationStep{NotificationIndex: 0}))
			Expect(producerSteps[2]).To(Equal(&streamplan.TriggerDownstreamStep{NotificationIndex: 0}))

			consumerSteps := plan.ExecutionPlan[1].Steps
			Expect(consumerSteps).To(HaveLen(2))
			Expect(consumerSteps[0]).To(Equal(&streamplan.BarrierStep{BarrierID: 0}))
			Expect(consumerSteps[1]).To(Equal(&streamplan.LaunchKernelStep{NodeIndex: 1}))

			Expect(plan.DownstreamMap[0]).To(Equal([]streamplan.StepRef{
				{StreamIndex: 1, StepIndex: 0},
			}))
		})

		ginkgo.It("should add a wait step when the provider pair registered one", func() {
			waitHandles := streamplan.NewWaitHandleRegistry()
			waitHandles.Register(streamplan.CPUProviderType, "GPUExecutionProvider",
				func(streamIndex, notificationIndex int) {})

			p := New(graph, cpuAndGPUProviders(), kernelInfo, values)
			p.SetStreamHandleRegistry(waitHandles)

			plan, err := p.CreatePlan()
			Expect(err).To(BeNil())

			consumerSteps := plan.ExecutionPlan[1].Steps
			Expect(consumerSteps).To(HaveLen(3))
			Expect(consumerSteps[0]).To(BeAssignableToTypeOf(&streamplan.BarrierStep{}))
			waitStep, ok := consumerSteps[1].(*streamplan.WaitOnEPStep)
			Expect(ok).To(BeTrue())
			Expect(waitStep.NotificationIndex).To(Equal(0))
			Expect(waitStep.Wait).NotTo(BeNil())
			Expect(consumerSteps[2]).To(Equal(&streamplan.LaunchKernelStep{NodeIndex: 1}))
		})

		ginkgo.It("should map produced values to their streams", func() {
			p := New(graph, cpuAndGPUProviders(), kernelInfo, values)

			plan, err := p.CreatePlan()
			Expect(err).To(BeNil())

			a := mustIndex(values, "a")
			b := mustIndex(values, "b")
			Expect(plan.ValueToStream[a]).To(Equal(0))
			Expect(plan.ValueToStream[b]).To(Equal(1))
		})
	})
})
