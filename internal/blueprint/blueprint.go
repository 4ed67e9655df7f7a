// Package blueprint parses workflow blueprint.json documents into an
// executable internal/graph.Graph, and dockerinfo.json documents into a
// container-name-to-endpoint map.
package blueprint

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/ai-effect-eu/orchestrator-go/internal/graph"
)

// ParseError is returned for any failure to parse or validate a blueprint
// document — malformed JSON, a schema violation, a dangling connection
// target, or a cycle.
type ParseError struct {
	Msg   string
	Cause error
}

func (e *ParseError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Cause)
	}
	return e.Msg
}

func (e *ParseError) Unwrap() error { return e.Cause }

func parseErr(msg string, cause error) error {
	return &ParseError{Msg: msg, Cause: cause}
}

var validate = validator.New()

// operationSignatureDoc is the wire shape of one operation signature.
type operationSignatureDoc struct {
	OperationName       string `json:"operation_name" validate:"required"`
	InputMessageName    string `json:"input_message_name"`
	OutputMessageName   string `json:"output_message_name"`
	InputMessageStream  bool   `json:"input_message_stream"`
	OutputMessageStream bool   `json:"output_message_stream"`
}

type connectionDoc struct {
	ContainerName      string                `json:"container_name" validate:"required"`
	OperationSignature operationSignatureDoc `json:"operation_signature" validate:"required"`
}

type operationListDoc struct {
	OperationSignature operationSignatureDoc `json:"operation_signature" validate:"required"`
	ConnectedTo        []connectionDoc       `json:"connected_to"`
}

type nodeDoc struct {
	ContainerName          string             `json:"container_name" validate:"required"`
	ProtoURI               string             `json:"proto_uri" validate:"required"`
	Image                  string             `json:"image" validate:"required"`
	NodeType               string             `json:"node_type" validate:"required"`
	OperationSignatureList []operationListDoc `json:"operation_signature_list" validate:"required,min=1"`
}

type schemaDoc struct {
	Name         string    `json:"name" validate:"required"`
	PipelineID   string    `json:"pipeline_id" validate:"required"`
	CreationDate string    `json:"creation_date"`
	Type         string    `json:"type" validate:"required"`
	Version      string    `json:"version" validate:"required"`
	Nodes        []nodeDoc `json:"nodes" validate:"required,min=1"`
}

// ParseFile reads and parses a blueprint.json file from disk.
func ParseFile(path string) (*graph.Graph, error) {
	if strings.TrimSpace(path) == "" {
		return nil, parseErr("path is required", nil)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, parseErr("blueprint file not found: "+path, err)
	}
	defer func() { _ = f.Close() }()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, parseErr("failed to read blueprint file", err)
	}
	return ParseJSON(data)
}

// ParseJSON parses blueprint JSON bytes into an executable graph. It runs
// four passes, in order, matching the original parser: structural
// validation, connection-target validation, graph construction (with
// start-node detection), and cycle detection.
func ParseJSON(data []byte) (*graph.Graph, error) {
	dec := json.NewDecoder(strings.NewReader(string(data)))
	dec.DisallowUnknownFields()

	var schema schemaDoc
	if err := dec.Decode(&schema); err != nil {
		return nil, parseErr("invalid blueprint structure", err)
	}
	if err := validate.Struct(&schema); err != nil {
		return nil, parseErr("invalid blueprint structure", err)
	}
	for i := range schema.Nodes {
		if err := validate.Struct(&schema.Nodes[i]); err != nil {
			return nil, parseErr("invalid blueprint structure", err)
		}
	}

	if err := validateConnections(&schema); err != nil {
		return nil, err
	}

	g, err := buildGraph(&schema)
	if err != nil {
		return nil, err
	}

	if g.HasCycle() {
		return nil, parseErr("Circular dependency detected", nil)
	}

	return g, nil
}

func validateConnections(schema *schemaDoc) error {
	validTargets := make(map[string]bool)
	for _, node := range schema.Nodes {
		for _, op := range node.OperationSignatureList {
			validTargets[graph.Key(node.ContainerName, op.OperationSignature.OperationName)] = true
		}
	}
	for _, node := range schema.Nodes {
		for _, op := range node.OperationSignatureList {
			for _, conn := range op.ConnectedTo {
				target := graph.Key(conn.ContainerName, conn.OperationSignature.OperationName)
				if !validTargets[target] {
					return parseErr("invalid connection target: "+target, nil)
				}
			}
		}
	}
	return nil
}

func buildGraph(schema *schemaDoc) (*graph.Graph, error) {
	g := graph.New()
	nodeMap := make(map[string]*graph.Node)

	for _, bpNode := range schema.Nodes {
		container := toContainerNode(&bpNode)
		for _, bpOp := range bpNode.OperationSignatureList {
			n := &graph.Node{
				Container: container,
				Operation: toOperationSignature(bpOp.OperationSignature),
			}
			nodeMap[n.Key()] = n
			g.AddNode(n)
		}
	}

	for _, bpNode := range schema.Nodes {
		for _, bpOp := range bpNode.OperationSignatureList {
			sourceKey := graph.Key(bpNode.ContainerName, bpOp.OperationSignature.OperationName)
			source := nodeMap[sourceKey]
			for _, conn := range bpOp.ConnectedTo {
				targetKey := graph.Key(conn.ContainerName, conn.OperationSignature.OperationName)
				target := nodeMap[targetKey]
				source.Next = append(source.Next, target)
				target.Deps = append(target.Deps, source)
			}
		}
	}

	var start []*graph.Node
	for _, n := range g.AllNodes {
		if len(n.Deps) == 0 {
			start = append(start, n)
		}
	}
	if len(start) == 0 {
		if len(g.AllNodes) > 0 {
			// Every node has a predecessor, so the graph contains a cycle.
			return nil, parseErr("Circular dependency detected", nil)
		}
		return nil, parseErr("no start nodes found", nil)
	}
	g.StartNodes = start

	return g, nil
}

func toContainerNode(n *nodeDoc) *graph.ContainerNode {
	ops := make([]graph.OperationSignature, 0, len(n.OperationSignatureList))
	for _, op := range n.OperationSignatureList {
		ops = append(ops, toOperationSignature(op.OperationSignature))
	}
	return &graph.ContainerNode{
		ContainerName: n.ContainerName,
		ProtoURI:      n.ProtoURI,
		Image:         n.Image,
		NodeType:      n.NodeType,
		Operations:    ops,
	}
}

func toOperationSignature(d operationSignatureDoc) graph.OperationSignature {
	return graph.OperationSignature{
		OperationName:       d.OperationName,
		InputMessageName:    d.InputMessageName,
		OutputMessageName:   d.OutputMessageName,
		InputMessageStream:  d.InputMessageStream,
		OutputMessageStream: d.OutputMessageStream,
	}
}
