// Package pipeline implements the composable data-reshaping operators
// applied to permission-filtered record sets. Operators are pure functions
// over their input plus params, dispatched by name through a closed
// registry; each named channel applies its operators strictly in sequence.
package pipeline

import (
	"encoding/json"
	"fmt"
)

// Record is one data clip reshaped as a generic document.
type Record = map[string]any

// Dataset is the value flowing between operators: either a flat record
// list or a grouped list of record lists.
type Dataset struct {
	flat    []Record
	groups  [][]Record
	grouped bool
}

// FromRecords wraps a flat record list.
func FromRecords(records []Record) Dataset {
	return Dataset{flat: records}
}

// FromGroups wraps a grouped record set.
func FromGroups(groups [][]Record) Dataset {
	return Dataset{groups: groups, grouped: true}
}

// Grouped reports whether the dataset is nested.
func (d Dataset) Grouped() bool {
	return d.grouped
}

// Records returns the flat view, or an error if the dataset is grouped.
func (d Dataset) Records() ([]Record, error) {
	if d.grouped {
		return nil, fmt.Errorf("input must be a flat record list, not grouped")
	}
	return d.flat, nil
}

// Groups returns the nested view, or an error if the dataset is flat.
func (d Dataset) Groups() ([][]Record, error) {
	if !d.grouped {
		return nil, fmt.Errorf("input must be grouped, not a flat record list")
	}
	return d.groups, nil
}

// Value returns the JSON-facing representation: []Record or [][]Record.
func (d Dataset) Value() any {
	if d.grouped {
		return d.groups
	}
	return d.flat
}

// Operation is one step of a channel.
type Operation struct {
	OperationName string          `json:"operationName"`
	Params        json.RawMessage `json:"params"`
}

// Aggregation maps channel names to their operator sequences.
type Aggregation map[string][]Operation

type handler func(d Dataset, params json.RawMessage) (Dataset, error)

// registry is the closed set of operators. Adding an operator means adding
// a handler here and nothing else.
var registry = map[string]handler{
	"GROUP":    opGroup,
	"LEAVEONE": opLeaveOne,
	"FILTER":   opFilter,
	"AFFINE":   opAffine,
	"CONCAT":   opConcat,
	"DECONCAT": opDeconcat,
	"JOIN":     opJoin,
	"DEGROUP":  opDegroup,
	"COUNT":    opCount,
	"FLATTEN":  opFlatten,
}

// Compose applies the operations in sequence to a flat record set.
func Compose(records []Record, ops []Operation) (Dataset, error) {
	current := FromRecords(records)
	for _, op := range ops {
		h, ok := registry[op.OperationName]
		if !ok {
			return Dataset{}, fmt.Errorf("transformation %s is not registered", op.OperationName)
		}
		next, err := h(current, op.Params)
		if err != nil {
			return Dataset{}, fmt.Errorf("%s: %w", op.OperationName, err)
		}
		current = next
	}
	return current, nil
}

// Aggregate runs every channel independently against the same input record
// set. Without channels the output is the flat record list under "raw".
func Aggregate(records []Record, agg Aggregation) (map[string]any, error) {
	if len(agg) == 0 {
		return map[string]any{"raw": records}, nil
	}
	out := make(map[string]any, len(agg))
	for name, ops := range agg {
		d, err := Compose(records, ops)
		if err != nil {
			return nil, fmt.Errorf("channel %s: %w", name, err)
		}
		out[name] = d.Value()
	}
	return out, nil
}

func decodeParams(raw json.RawMessage, into any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return fmt.Errorf("decode params: %w", err)
	}
	return nil
}

func cloneRecord(r Record) Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}
