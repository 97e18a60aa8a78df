package pipeline

import (
	"encoding/json"

	"studybroker/internal/formula"
	"studybroker/internal/verifier"
)

// Constructors for operations built in code rather than decoded from a
// request body. Params are marshaled eagerly; the inputs are plain structs
// so marshaling cannot fail.

func mustParams(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return raw
}

// GroupOperation builds a GROUP step over the given dotted-path keys.
func GroupOperation(keys []string, skipUnmatch bool) Operation {
	return Operation{OperationName: "GROUP", Params: mustParams(map[string]any{
		"keys":        keys,
		"skipUnmatch": skipUnmatch,
	})}
}

// LeaveOneOperation builds a LEAVEONE step scored by the given formula.
func LeaveOneOperation(scoreFormula *formula.Node, isDescend bool) Operation {
	return Operation{OperationName: "LEAVEONE", Params: mustParams(map[string]any{
		"scoreFormula": scoreFormula,
		"isDescend":    isDescend,
	})}
}

// FilterOperation builds a FILTER step with a single tagged condition list.
func FilterOperation(tag string, conds ...verifier.ValueVerifier) Operation {
	return Operation{OperationName: "FILTER", Params: mustParams(map[string]any{
		"filters": map[string][]verifier.ValueVerifier{tag: conds},
	})}
}
