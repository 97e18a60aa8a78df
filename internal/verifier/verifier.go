// Package verifier implements the DNF validation rules attached to fields
// and field properties: the outer slice is OR'd, each inner slice is AND'd.
package verifier

import (
	"regexp"

	"studybroker/internal/formula"
)

// ConditionOp compares an evaluated formula result against a target value.
type ConditionOp string

const (
	NumericalEqual          ConditionOp = "NUMERICALEQUAL"
	NumericalNotEqual       ConditionOp = "NUMERICALNOTEQUAL"
	NumericalLessThan       ConditionOp = "NUMERICALLESSTHAN"
	NumericalGreaterThan    ConditionOp = "NUMERICALGREATERTHAN"
	NumericalNotLessThan    ConditionOp = "NUMERICALNOTLESSTHAN"
	NumericalNotGreaterThan ConditionOp = "NUMERICALNOTGREATERTHAN"
	StringEqual             ConditionOp = "STRINGEQUAL"
	StringRegexMatch        ConditionOp = "STRINGREGEXMATCH"
	GeneralIsNull           ConditionOp = "GENERALISNULL"
	GeneralIsNotNull        ConditionOp = "GENERALISNOTNULL"
)

// ValueVerifier is a single condition: evaluate Formula against the subject,
// then compare the result with Value using Condition.
type ValueVerifier struct {
	Formula    *formula.Node  `json:"formula"`
	Condition  ConditionOp    `json:"condition"`
	Value      any            `json:"value"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// Spec is a verifier in disjunctive normal form.
type Spec [][]ValueVerifier

// Check reports whether subject passes the spec: true iff some inner
// AND-group's conditions all pass. An empty or nil spec always passes.
func Check(spec Spec, subject any) bool {
	if len(spec) == 0 {
		return true
	}
	for _, group := range spec {
		pass := true
		for _, cond := range group {
			if !Valid(subject, cond) {
				pass = false
				break
			}
		}
		if pass {
			return true
		}
	}
	return false
}

// Valid evaluates a single condition against the subject. Evaluation errors
// and unknown conditions fail closed.
func Valid(subject any, v ValueVerifier) bool {
	calculated, err := formula.Evaluate(v.Formula, subject)
	if err != nil {
		return false
	}

	switch v.Condition {
	case NumericalEqual, NumericalNotEqual, NumericalLessThan,
		NumericalGreaterThan, NumericalNotLessThan, NumericalNotGreaterThan:
		left, okL := formula.ToNumber(calculated)
		right, okR := formula.ToNumber(v.Value)
		if !okL || !okR {
			return false
		}
		switch v.Condition {
		case NumericalEqual:
			return left == right
		case NumericalNotEqual:
			return left != right
		case NumericalLessThan:
			return left < right
		case NumericalGreaterThan:
			return left > right
		case NumericalNotLessThan:
			return left >= right
		case NumericalNotGreaterThan:
			return left <= right
		}
	case StringEqual:
		return formula.Stringify(calculated) == formula.Stringify(v.Value)
	case StringRegexMatch:
		re, err := regexp.Compile(formula.Stringify(v.Value))
		if err != nil {
			return false
		}
		return re.MatchString(formula.Stringify(calculated))
	case GeneralIsNull:
		return calculated == nil
	case GeneralIsNotNull:
		// An absent path is not a stored null: it passes the not-null
		// check even though it would fail the null check.
		return calculated != nil
	}
	return false
}
