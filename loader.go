package streamplan

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// A GraphLoader loads a graph description from a set of CSV files:
// values.csv declares the values, nodes.csv the operator nodes, and the
// optional kernels.csv the per-op-type kernel contracts.
type GraphLoader struct {
	// The directory where the model files are located.
	Dir string
}

// Load loads the graph and the kernel metadata of its nodes.
func (l *GraphLoader) Load() (*Graph, KernelInfoMap, error) {
	values, err := l.readValues()
	if err != nil {
		return nil, nil, err
	}

	graph, err := l.readNodes(values)
	if err != nil {
		return nil, nil, err
	}

	kernelDefs, err := l.readKernels()
	if err != nil {
		return nil, nil, err
	}

	kernelInfo := make(KernelInfoMap)
	for _, n := range graph.Nodes {
		def, ok := kernelDefs[n.OpType]
		if !ok {
			def = &KernelDef{}
		}
		kernelInfo[n.Index] = &KernelInfo{Def: def}
	}

	return graph, kernelInfo, nil
}

type loadedValue struct {
	value   *Value
	classes []string
}

// readValues reads the value declarations from values.csv.
func (l *GraphLoader) readValues() (map[string]loadedValue, error) {
	records, err := l.readCSV("values.csv")
	if err != nil {
		return nil, err
	}

	values := make(map[string]loadedValue)
	for i, record := range records {
		if i == 0 {
			continue
		}

		v, classes, err := parseValue(record)
		if err != nil {
			return nil, errors.Wrapf(err, "values.csv line %d", i+1)
		}
		values[v.Name] = loadedValue{value: v, classes: classes}
	}

	return values, nil
}

func parseValue(record []string) (*Value, []string, error) {
	if len(record) < 6 {
		return nil, nil, errors.Errorf("expected 6 columns, got %d", len(record))
	}

	name := record[1]
	if name == "" {
		return nil, nil, errors.New("value name must not be empty")
	}

	kind := ValueKindTensor
	switch record[2] {
	case "tensor", "":
	case "sequence":
		kind = ValueKindSequence
	case "map":
		kind = ValueKindMap
	default:
		return nil, nil, errors.Errorf("unknown value kind %q", record[2])
	}

	dtype := DataTypeFromString(record[3])
	shape := ParseShape(record[4])

	var classes []string
	if record[5] != "" {
		classes = strings.Split(record[5], ";")
	}

	v := &Value{
		Name:  name,
		Type:  ValueType{Kind: kind, Elem: dtype},
		Shape: shape,
	}
	return v, classes, nil
}

// readNodes reads the node list from nodes.csv and assembles the graph.
func (l *GraphLoader) readNodes(values map[string]loadedValue) (*Graph, error) {
	records, err := l.readCSV("nodes.csv")
	if err != nil {
		return nil, err
	}

	graph := &Graph{
		Name:         filepath.Base(l.Dir),
		Initializers: make(map[string]*Value),
	}

	for name, lv := range values {
		for _, class := range lv.classes {
			switch class {
			case "input":
				graph.Inputs = append(graph.Inputs, lv.value)
			case "output":
				graph.Outputs = append(graph.Outputs, lv.value)
			case "initializer":
				graph.Initializers[name] = lv.value
			}
		}
	}
	sortValuesByName(graph.Inputs)
	sortValuesByName(graph.Outputs)

	for i, record := range records {
		if i == 0 {
			continue
		}

		node, err := parseNode(record, values)
		if err != nil {
			return nil, errors.Wrapf(err, "nodes.csv line %d", i+1)
		}
		if node.Index != len(graph.Nodes) {
			return nil, errors.Errorf("nodes.csv line %d: node index %d out of order",
				i+1, node.Index)
		}
		graph.Nodes = append(graph.Nodes, node)
	}

	return graph, nil
}

func parseNode(record []string, values map[string]loadedValue) (*Node, error) {
	if len(record) < 7 {
		return nil, errors.Errorf("expected at least 7 columns, got %d", len(record))
	}

	index, err := strconv.Atoi(record[0])
	if err != nil {
		return nil, errors.Wrap(err, "node index")
	}

	node := &Node{
		Index:    index,
		Name:     record[1],
		OpType:   record[2],
		Provider: record[3],
	}

	node.Inputs, err = parseValueList(record[4], values)
	if err != nil {
		return nil, err
	}
	node.Outputs, err = parseValueList(record[5], values)
	if err != nil {
		return nil, err
	}
	node.ImplicitInputs, err = parseValueList(record[6], values)
	if err != nil {
		return nil, err
	}

	if len(record) > 7 && record[7] != "" {
		timeInUs, err := strconv.ParseFloat(record[7], 64)
		if err != nil {
			return nil, errors.Wrap(err, "node time")
		}
		node.TimeInSec = timeInUs / 1e6
	}

	return node, nil
}

func parseValueList(str string, values map[string]loadedValue) ([]*Value, error) {
	str = strings.Trim(str, "[]")
	str = strings.ReplaceAll(str, " ", "")
	if str == "" {
		return nil, nil
	}

	tokens := strings.Split(str, ";")
	list := make([]*Value, len(tokens))
	for i, token := range tokens {
		if token == "" {
			// missing optional argument
			list[i] = &Value{}
			continue
		}
		lv, ok := values[token]
		if !ok {
			return nil, errors.Errorf("value %q is not declared", token)
		}
		list[i] = lv.value
	}

	return list, nil
}

// readKernels reads the per-op-type kernel contracts from kernels.csv. A
// missing file means every kernel uses default contracts.
func (l *GraphLoader) readKernels() (map[string]*KernelDef, error) {
	path := filepath.Join(l.Dir, "kernels.csv")
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return map[string]*KernelDef{}, nil
	}

	records, err := l.readCSV("kernels.csv")
	if err != nil {
		return nil, err
	}

	defs := make(map[string]*KernelDef)
	for i, record := range records {
		if i == 0 {
			continue
		}

		opType, def, err := parseKernelDef(record)
		if err != nil {
			return nil, errors.Wrapf(err, "kernels.csv line %d", i+1)
		}
		defs[opType] = def
	}

	return defs, nil
}

func parseKernelDef(record []string) (string, *KernelDef, error) {
	if len(record) < 7 {
		return "", nil, errors.Errorf("expected 7 columns, got %d", len(record))
	}

	opType := record[0]
	def := &KernelDef{}

	var err error
	def.Alias, err = parseAliasPairs(record[1])
	if err != nil {
		return "", nil, err
	}

	if record[2] != "" {
		parts := strings.SplitN(record[2], ":", 2)
		if len(parts) != 2 {
			return "", nil, errors.Errorf("bad variadic alias %q", record[2])
		}
		inputOffset, err1 := strconv.Atoi(parts[0])
		outputOffset, err2 := strconv.Atoi(parts[1])
		if err1 != nil || err2 != nil {
			return "", nil, errors.Errorf("bad variadic alias %q", record[2])
		}
		def.VariadicAlias = &VariadicAliasOffsets{
			InputOffset:  inputOffset,
			OutputOffset: outputOffset,
		}
	}

	def.MayInplace, err = parseAliasPairs(record[3])
	if err != nil {
		return "", nil, err
	}

	def.ExternalOutputs = record[4] == "true"

	if err := parseMemTypes(record[5], def.SetInputMemType); err != nil {
		return "", nil, err
	}
	if err := parseMemTypes(record[6], def.SetOutputMemType); err != nil {
		return "", nil, err
	}

	return opType, def, nil
}

func parseAliasPairs(str string) ([]AliasPair, error) {
	str = strings.Trim(str, "[]")
	if str == "" {
		return nil, nil
	}

	tokens := strings.Split(str, ";")
	pairs := make([]AliasPair, len(tokens))
	for i, token := range tokens {
		parts := strings.SplitN(token, ":", 2)
		if len(parts) != 2 {
			return nil, errors.Errorf("bad alias pair %q", token)
		}
		input, err1 := strconv.Atoi(parts[0])
		output, err2 := strconv.Atoi(parts[1])
		if err1 != nil || err2 != nil {
			return nil, errors.Errorf("bad alias pair %q", token)
		}
		pairs[i] = AliasPair{Input: input, Output: output}
	}

	return pairs, nil
}

func parseMemTypes(str string, set func(arg int, mt MemType)) error {
	str = strings.Trim(str, "[]")
	if str == "" {
		return nil
	}

	for _, token := range strings.Split(str, ";") {
		parts := strings.SplitN(token, ":", 2)
		if len(parts) != 2 {
			return errors.Errorf("bad memory type %q", token)
		}
		arg, err := strconv.Atoi(parts[0])
		if err != nil {
			return errors.Errorf("bad memory type %q", token)
		}
		var mt MemType
		switch parts[1] {
		case "default":
			mt = MemTypeDefault
		case "cpu_input":
			mt = MemTypeCPUInput
		case "cpu_output":
			mt = MemTypeCPUOutput
		default:
			return errors.Errorf("unknown memory type %q", parts[1])
		}
		set(arg, mt)
	}

	return nil
}

func (l *GraphLoader) readCSV(file string) ([][]string, error) {
	path := filepath.Join(l.Dir, file)
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(absPath)
	if err != nil {
		return nil, err
	}
	defer func() {
		closeErr := f.Close()
		if closeErr != nil {
			panic(closeErr)
		}
	}()

	reader := csv.NewReader(f)
	reader.Comma = ','
	reader.TrimLeadingSpace = true

	return reader.ReadAll()
}

func sortValuesByName(values []*Value) {
	sort.Slice(values, func(i, j int) bool { return values[i].Name < values[j].Name })
}
