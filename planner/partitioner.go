package planner

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/sarchlab/streamplan"
)

// A Partitioner groups the nodes of a graph into logic streams. Close dumps
// an inferred configuration back to the configuration file when one was
// inferred.
type Partitioner interface {
	Name() string
	PartitionNodes(g *streamplan.Graph) ([][]int, error)
	Close() error
}

// A PartitionerCtor builds a partitioner from a configuration file path.
type PartitionerCtor func(log logrus.FieldLogger, configFile string) (Partitioner, error)

const defaultPartitionName = "DefaultPartition"

var partitionerRegistry = map[string]PartitionerCtor{
	defaultPartitionName: newDefaultPartitioner,
}

// RegisterPartitioner registers a partitioner variant under the name written
// in the first line of configuration files.
func RegisterPartitioner(name string, ctor PartitionerCtor) {
	partitionerRegistry[name] = ctor
}

// NewNodePartitioner creates the partitioner named by the configuration
// file. An empty path, or an absent file, selects the default partitioner;
// an absent file is created holding the partitioner name so the inferred
// partition can be dumped into it.
func NewNodePartitioner(log logrus.FieldLogger, configFile string) (Partitioner, error) {
	name := defaultPartitionName
	if configFile != "" {
		f, err := os.Open(configFile)
		if err == nil {
			scanner := bufio.NewScanner(f)
			if scanner.Scan() {
				name = scanner.Text()
			}
			if closeErr := f.Close(); closeErr != nil {
				return nil, closeErr
			}
		} else if os.IsNotExist(err) {
			if writeErr := os.WriteFile(configFile,
				[]byte(defaultPartitionName+"\n"), 0644); writeErr != nil {
				return nil, errors.Wrapf(writeErr,
					"cannot write configuration to %s", configFile)
			}
		} else {
			return nil, err
		}
	}

	ctor, ok := partitionerRegistry[name]
	if !ok {
		return nil, errors.Wrapf(ErrBadPartitionConfig,
			"unknown partitioner name %q", name)
	}
	return ctor(log, configFile)
}

// defaultPartitioner assigns each node to a stream of its execution
// provider: one stream per provider when inferring, or the streams listed in
// the configuration file.
type defaultPartitioner struct {
	log        logrus.FieldLogger
	configFile string

	numStreams        int
	maxStreams        map[string]int
	nodeNamesByStream [][]string
	needDump          bool
}

func newDefaultPartitioner(log logrus.FieldLogger, configFile string) (Partitioner, error) {
	p := &defaultPartitioner{
		log:        log,
		configFile: configFile,
		maxStreams: make(map[string]int),
	}
	if err := p.initialize(); err != nil {
		return nil, err
	}
	return p, nil
}

// Name returns the registry name of the partitioner.
func (p *defaultPartitioner) Name() string {
	return defaultPartitionName
}

func (p *defaultPartitioner) initialize() error {
	if p.configFile == "" {
		return nil
	}

	f, err := os.Open(p.configFile)
	if err != nil {
		if os.IsNotExist(err) {
			p.needDump = true
			return nil
		}
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		// an empty file asks for an inferred partition to be dumped back
		p.needDump = true
		return nil
	}
	if scanner.Text() != p.Name() {
		return errors.Wrap(ErrBadPartitionConfig,
			"configuration file should start with a line of partition name")
	}

	if !scanner.Scan() {
		// a file holding only the partitioner name asks for an inferred
		// partition to be dumped back
		p.needDump = true
		return nil
	}

	columns := strings.Split(scanner.Text(), ":")
	if len(columns) != 2 || columns[0] != "ExecutionProviders" {
		return errors.Wrap(ErrBadPartitionConfig,
			"2nd line should be of format: ExecutionProviders:<an integer>")
	}
	numProviders, err := strconv.Atoi(columns[1])
	if err != nil || numProviders <= 0 {
		return errors.Wrap(ErrBadPartitionConfig,
			"the number of ExecutionProviders must be a positive value")
	}

	for i := 0; i < numProviders; i++ {
		if !scanner.Scan() {
			return errors.Wrap(ErrBadPartitionConfig,
				"failed to read execution provider stream setting")
		}
		columns = strings.Split(scanner.Text(), ":")
		if len(columns) != 2 {
			return errors.Wrap(ErrBadPartitionConfig,
				"failed to read execution provider stream setting")
		}
		numCurrentStreams, err := strconv.Atoi(columns[1])
		if err != nil || numCurrentStreams <= 0 {
			return errors.Wrapf(ErrBadPartitionConfig,
				"stream count of %s must be a positive value", columns[0])
		}
		p.maxStreams[columns[0]] = numCurrentStreams
		p.numStreams += numCurrentStreams
	}

	for scanner.Scan() {
		names := strings.Split(scanner.Text(), ",")
		if len(names) == 1 && names[0] == "" {
			return errors.Wrap(ErrBadPartitionConfig,
				"the line of node names is empty")
		}
		p.nodeNamesByStream = append(p.nodeNamesByStream, names)
	}
	if len(p.nodeNamesByStream) != p.numStreams {
		return errors.Wrap(ErrBadPartitionConfig,
			"the total number of stream lines mismatches the sum of the execution provider stream settings")
	}

	return nil
}

// PartitionNodes groups the graph's nodes into streams. Nodes without a name
// receive the synthetic name <OpType><k>, counting prior occurrences of the
// op type in topological order.
func (p *defaultPartitioner) PartitionNodes(g *streamplan.Graph) ([][]int, error) {
	order := g.TopologicalOrder()

	if len(p.maxStreams) == 0 && len(p.nodeNamesByStream) == 0 {
		// no configuration, one stream per execution provider
		opTypeCounter := make(map[string]int)
		providerToStream := make(map[string]int)
		for _, nodeIndex := range order {
			node := g.Node(nodeIndex)
			if _, ok := p.maxStreams[node.Provider]; !ok {
				p.maxStreams[node.Provider] = 1
			}
			streamIndex, ok := providerToStream[node.Provider]
			if !ok {
				streamIndex = len(p.nodeNamesByStream)
				providerToStream[node.Provider] = streamIndex
				p.nodeNamesByStream = append(p.nodeNamesByStream, nil)
			}
			name := node.Name
			if name == "" {
				name = node.OpType + strconv.Itoa(opTypeCounter[node.OpType])
				opTypeCounter[node.OpType]++
			}
			p.nodeNamesByStream[streamIndex] = append(p.nodeNamesByStream[streamIndex], name)
		}
	}

	nodeStreamMap := make(map[string]int)
	for i, names := range p.nodeNamesByStream {
		for _, name := range names {
			nodeStreamMap[name] = i
		}
	}

	opTypeCounter := make(map[string]int)
	streamNodes := make([][]int, len(p.nodeNamesByStream))
	for _, nodeIndex := range order {
		node := g.Node(nodeIndex)
		name := node.Name
		if name == "" {
			name = node.OpType + strconv.Itoa(opTypeCounter[node.OpType])
			opTypeCounter[node.OpType]++
		}
		streamIndex, ok := nodeStreamMap[name]
		if !ok {
			return nil, errors.Wrapf(ErrBadPartitionConfig,
				"node %q is not assigned to any stream", name)
		}
		streamNodes[streamIndex] = append(streamNodes[streamIndex], nodeIndex)
	}

	return streamNodes, nil
}

// Close dumps the inferred configuration when the file asked for one.
func (p *defaultPartitioner) Close() error {
	if !p.needDump || p.configFile == "" {
		return nil
	}
	return p.dumpPartition()
}

func (p *defaultPartitioner) dumpPartition() error {
	f, err := os.Create(p.configFile)
	if err != nil {
		p.log.WithError(err).Warnf(
			"failed to dump configuration to file: %s", p.configFile)
		return err
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	fmt.Fprintln(w, p.Name())
	fmt.Fprintf(w, "ExecutionProviders:%d\n", len(p.maxStreams))
	providers := make([]string, 0, len(p.maxStreams))
	for provider := range p.maxStreams {
		providers = append(providers, provider)
	}
	sort.Strings(providers)
	for _, provider := range providers {
		fmt.Fprintf(w, "%s:%d\n", provider, p.maxStreams[provider])
	}
	for _, names := range p.nodeNamesByStream {
		fmt.Fprintln(w, strings.Join(names, ","))
	}
	return w.Flush()
}

func (p *Planner) partitionIntoStreams() error {
	partitioner, err := NewNodePartitioner(p.log, p.partitionConfigFile)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := partitioner.Close(); closeErr != nil {
			p.log.WithError(closeErr).Warn("failed to dump the partition configuration")
		}
	}()

	streams, err := partitioner.PartitionNodes(p.graph)
	if err != nil {
		return err
	}

	p.streamNodes = streams
	p.numLogicStreams = len(streams)
	p.nodeStreamMap = make([]int, p.graph.MaxNodeIndex()+1)
	for i, stream := range streams {
		for _, nodeIndex := range stream {
			p.nodeStreamMap[nodeIndex] = i
		}
	}

	return nil
}
