package main

import (
	"flag"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tebeka/atexit"
	"gitlab.com/akita/akita/v3/sim"

	"github.com/sarchlab/streamplan"
	"github.com/sarchlab/streamplan/planner"
	"github.com/sarchlab/streamplan/planplayer"
	"github.com/sarchlab/streamplan/timemodel"
)

var graphDir = flag.String("graph-dir", "",
	"The directory where the model files (values.csv, nodes.csv, kernels.csv) are located.")
var partitionConfig = flag.String("partition-config", "",
	"The stream partition configuration file. Inferred and written back when absent or empty.")
var replay = flag.Bool("replay", false,
	"Replay the plan on virtual time after planning.")
var useRecordedTime = flag.Bool("recorded-time", false,
	"Estimate kernel latencies from the recorded times instead of one second each.")
var logLevel = flag.String("log-level", "warn", "The log level: debug, info, warn, or error.")

func main() {
	flag.Parse()

	level, err := logrus.ParseLevel(*logLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		atexit.Exit(1)
	}
	logrus.SetLevel(level)

	if *graphDir == "" {
		fmt.Fprintln(os.Stderr, "a -graph-dir is required")
		atexit.Exit(1)
	}

	// Server for pprof
	go func() {
		logrus.Debug(http.ListenAndServe("localhost:6060", nil))
	}()

	graph, kernelInfo := loadGraph(*graphDir)
	providers := buildProviders(graph)
	values := streamplan.BuildValueIndexMap(graph, nil)

	p := planner.New(graph, providers, kernelInfo, values)
	p.SetPartitionConfigFile(*partitionConfig)
	p.SetLogger(logrus.StandardLogger())

	start := time.Now()
	plan, err := p.CreatePlan()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		atexit.Exit(1)
	}
	elapsed := time.Since(start)

	plan.Dump(os.Stdout, values)
	fmt.Printf("\nPlanning time: %s\n", elapsed)

	if *replay {
		replayPlan(plan, graph)
	}

	atexit.Exit(0)
}

func loadGraph(dir string) (*streamplan.Graph, streamplan.KernelInfoMap) {
	loader := streamplan.GraphLoader{
		Dir: dir,
	}

	graph, kernelInfo, err := loader.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		atexit.Exit(1)
	}

	return graph, kernelInfo
}

// buildProviders registers one execution provider per distinct provider name
// in the graph. Names starting with "CPU" run on the host; the rest each get
// their own accelerator device.
func buildProviders(graph *streamplan.Graph) *streamplan.ExecutionProviders {
	providers := streamplan.NewExecutionProviders()
	nextDeviceID := 0
	for _, node := range graph.Nodes {
		if providers.Get(node.Provider) != nil {
			continue
		}
		device := streamplan.DeviceGPU
		deviceID := 0
		if strings.HasPrefix(node.Provider, "CPU") {
			device = streamplan.DeviceCPU
		} else {
			deviceID = nextDeviceID
			nextDeviceID++
		}
		err := providers.Register(streamplan.NewProvider(node.Provider, device, deviceID))
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			atexit.Exit(1)
		}
	}
	return providers
}

func replayPlan(plan *streamplan.SequentialExecutionPlan, graph *streamplan.Graph) {
	engine := sim.NewSerialEngine()
	var timeEstimator timemodel.TimeEstimator = &timemodel.AlwaysOneTimeEstimator{}
	if *useRecordedTime {
		timeEstimator = &timemodel.RecordedTimeEstimator{}
	}

	player := planplayer.NewPlanPlayer(
		"Player",
		engine,
		engine,
		timeEstimator,
	)
	player.SetPlan(plan, graph)

	player.KickStart()
	err := engine.Run()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		atexit.Exit(1)
	}

	fmt.Printf("Estimated execution time ms, %.10f\n", engine.CurrentTime()*1000)
	fmt.Printf("Released buffers: %d\n", len(player.FreedValues()))
}
