// Package formula implements the expression AST shared by field verifiers
// and the aggregation pipeline. Evaluation is pure: no IO and no mutation
// of the evaluation context.
package formula

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// NodeType discriminates AST nodes.
type NodeType string

const (
	NodeValue     NodeType = "VALUE"
	NodeVariable  NodeType = "VARIABLE"
	NodeSelf      NodeType = "SELF"
	NodeMap       NodeType = "MAP"
	NodeOperation NodeType = "OPERATION"
)

// Op is an arithmetic/string operator applied by OPERATION nodes.
type Op string

const (
	OpAdd      Op = "+"
	OpMinus    Op = "-"
	OpMultiply Op = "*"
	OpDivide   Op = "/"
	OpPow      Op = "^"
	OpConcat   Op = "concat"
	OpSubstr   Op = "substr"
	OpConvert  Op = "convert"
)

// Node is one node of an expression tree. VALUE carries a literal in Value;
// VARIABLE carries a dotted path into the context; SELF resolves to the
// subject bound for the evaluation; OPERATION applies Operator to Children.
type Node struct {
	Type       NodeType       `json:"type"`
	Operator   Op             `json:"operator,omitempty"`
	Value      any            `json:"value,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Children   []*Node        `json:"children,omitempty"`
}

// Variable builds a VARIABLE node for a dotted path.
func Variable(path string) *Node {
	return &Node{Type: NodeVariable, Value: path}
}

// Value builds a VALUE literal node.
func Value(v any) *Node {
	return &Node{Type: NodeValue, Value: v}
}

// Self builds a SELF node.
func Self() *Node {
	return &Node{Type: NodeSelf}
}

// undefined marks a dotted-path lookup that found no key. It is distinct
// from an explicit nil value: a record holding {"life": {"deletedTime": null}}
// resolves "life.deletedTime" to nil, while "life.nonsense" resolves to
// Undefined.
type undefined struct{}

// Undefined is the result of dereferencing an absent path.
var Undefined = undefined{}

// IsUndefined reports whether v is the absent-path sentinel.
func IsUndefined(v any) bool {
	_, ok := v.(undefined)
	return ok
}

// Evaluate walks the AST against ctx. ctx is the evaluation context for
// VARIABLE lookups (usually a record map); subject SELF resolution uses ctx
// itself, matching callers that bind the subject as the context.
func Evaluate(root *Node, ctx any) (any, error) {
	if root == nil {
		return nil, fmt.Errorf("formula: nil node")
	}
	switch root.Type {
	case NodeValue:
		return root.Value, nil
	case NodeSelf:
		return ctx, nil
	case NodeMap:
		// MAP translates a scalar subject through its parameter table,
		// falling back to the subject itself.
		if s, ok := ctx.(string); ok {
			if mapped, ok := root.Parameters[s]; ok {
				return mapped, nil
			}
			return s, nil
		}
		return ctx, nil
	case NodeVariable:
		path, _ := root.Value.(string)
		if path == "" {
			return Undefined, nil
		}
		return Lookup(ctx, path), nil
	case NodeOperation:
		return evaluateOperation(root, ctx)
	default:
		return nil, fmt.Errorf("formula: unknown node type %q", root.Type)
	}
}

// Lookup dereferences a dotted path into a nested map structure. Absent
// keys yield Undefined; lookups never panic.
func Lookup(ctx any, path string) any {
	current := ctx
	for _, key := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return Undefined
		}
		v, ok := m[key]
		if !ok {
			return Undefined
		}
		current = v
	}
	return current
}

func evaluateOperation(root *Node, ctx any) (any, error) {
	if root.Operator == "" {
		return nil, fmt.Errorf("formula: OPERATION node must have an operator")
	}
	if len(root.Children) == 0 {
		return nil, fmt.Errorf("formula: OPERATION node %q has no children", root.Operator)
	}

	switch root.Operator {
	case OpAdd, OpMinus, OpMultiply, OpDivide, OpPow:
		if len(root.Children) != 2 {
			return nil, fmt.Errorf("formula: operator %q requires two operands", root.Operator)
		}
		left, err := evaluateNumeric(root.Children[0], ctx)
		if err != nil {
			return nil, err
		}
		right, err := evaluateNumeric(root.Children[1], ctx)
		if err != nil {
			return nil, err
		}
		switch root.Operator {
		case OpAdd:
			return left + right, nil
		case OpMinus:
			return left - right, nil
		case OpMultiply:
			return left * right, nil
		case OpDivide:
			if right == 0 {
				return nil, fmt.Errorf("formula: division by zero")
			}
			return left / right, nil
		case OpPow:
			return math.Pow(left, right), nil
		}
	case OpConcat:
		var sb strings.Builder
		for _, child := range root.Children {
			v, err := Evaluate(child, ctx)
			if err != nil {
				return nil, err
			}
			sb.WriteString(Stringify(v))
		}
		return sb.String(), nil
	case OpSubstr:
		if len(root.Children) != 3 {
			return nil, fmt.Errorf("formula: substr requires three operands")
		}
		src, err := Evaluate(root.Children[0], ctx)
		if err != nil {
			return nil, err
		}
		start, err := evaluateNumeric(root.Children[1], ctx)
		if err != nil {
			return nil, err
		}
		length, err := evaluateNumeric(root.Children[2], ctx)
		if err != nil {
			return nil, err
		}
		s := Stringify(src)
		from := int(start)
		if from < 0 || from > len(s) {
			return "", nil
		}
		to := from + int(length)
		if to > len(s) {
			to = len(s)
		}
		return s[from:to], nil
	case OpConvert:
		if len(root.Children) != 2 {
			return nil, fmt.Errorf("formula: convert requires two operands")
		}
		target, err := Evaluate(root.Children[0], ctx)
		if err != nil {
			return nil, err
		}
		v, err := Evaluate(root.Children[1], ctx)
		if err != nil {
			return nil, err
		}
		switch Stringify(target) {
		case "INT":
			f, ok := ToNumber(v)
			if !ok {
				return nil, fmt.Errorf("formula: cannot convert %v to INT", v)
			}
			return math.Floor(f), nil
		case "FLOAT":
			f, ok := ToNumber(v)
			if !ok {
				return nil, fmt.Errorf("formula: cannot convert %v to FLOAT", v)
			}
			return f, nil
		case "STRING":
			return Stringify(v), nil
		default:
			return nil, fmt.Errorf("formula: type conversion only supports INT, FLOAT and STRING")
		}
	}
	return nil, fmt.Errorf("formula: operator %q and children do not match", root.Operator)
}

func evaluateNumeric(node *Node, ctx any) (float64, error) {
	v, err := Evaluate(node, ctx)
	if err != nil {
		return 0, err
	}
	f, ok := ToNumber(v)
	if !ok {
		return 0, fmt.Errorf("formula: %v is not numeric", v)
	}
	return f, nil
}

// ToNumber coerces a scalar into a float64. Strings parse with
// locale-independent parsing.
func ToNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	}
	return 0, false
}

// Stringify renders a scalar value the way it appears in messages and
// concatenations. nil and Undefined render empty.
func Stringify(v any) string {
	if v == nil || IsUndefined(v) {
		return ""
	}
	switch s := v.(type) {
	case string:
		return s
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", v)
	}
}
