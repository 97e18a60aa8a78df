package pipeline

import (
	"encoding/json"
	"fmt"

	"studybroker/internal/formula"
	"studybroker/internal/verifier"
)

type keyRule struct {
	Key   *formula.Node `json:"key"`
	Value *formula.Node `json:"value"`
}

// applyKeyRules evaluates each rule's key and value ASTs against src and
// sets the resulting pair on dst. A VARIABLE key enables pivot-style
// projection: the key name itself comes from the record.
func applyKeyRules(dst, src Record, rules []keyRule) error {
	for _, rule := range rules {
		key, err := formula.Evaluate(rule.Key, src)
		if err != nil {
			return err
		}
		value, err := formula.Evaluate(rule.Value, src)
		if err != nil {
			return err
		}
		name := formula.Stringify(key)
		if name == "" {
			return fmt.Errorf("added key evaluated to an empty name")
		}
		dst[name] = value
	}
	return nil
}

// opAffine rewrites each record: added keys first, then per-key value
// rules, then removed keys. Records left without keys are dropped.
func opAffine(d Dataset, raw json.RawMessage) (Dataset, error) {
	var params struct {
		RemovedKeys   []string                 `json:"removedKeys"`
		AddedKeyRules []keyRule                `json:"addedKeyRules"`
		Rules         map[string]*formula.Node `json:"rules"`
	}
	if err := decodeParams(raw, &params); err != nil {
		return Dataset{}, err
	}
	records, err := d.Records()
	if err != nil {
		return Dataset{}, err
	}

	var out []Record
	for _, record := range records {
		next := cloneRecord(record)
		if err := applyKeyRules(next, record, params.AddedKeyRules); err != nil {
			return Dataset{}, err
		}
		for key, rule := range params.Rules {
			v, ok := next[key]
			if !ok {
				continue
			}
			converted, err := formula.Evaluate(rule, v)
			if err != nil {
				return Dataset{}, err
			}
			next[key] = converted
		}
		for _, key := range params.RemovedKeys {
			delete(next, key)
		}
		if len(next) > 0 {
			out = append(out, next)
		}
	}
	return FromRecords(out), nil
}

// opFilter keeps records satisfying every named filter tag; each tag is a
// conjunction of verifier conditions. Works on both flat and grouped input,
// filtering within groups when grouped.
func opFilter(d Dataset, raw json.RawMessage) (Dataset, error) {
	var params struct {
		Filters map[string][]verifier.ValueVerifier `json:"filters"`
	}
	if err := decodeParams(raw, &params); err != nil {
		return Dataset{}, err
	}

	keep := func(record Record) bool {
		for _, conds := range params.Filters {
			for _, cond := range conds {
				if !verifier.Valid(record, cond) {
					return false
				}
			}
		}
		return true
	}

	if d.Grouped() {
		groups, _ := d.Groups()
		out := make([][]Record, 0, len(groups))
		for _, group := range groups {
			filtered := make([]Record, 0, len(group))
			for _, record := range group {
				if keep(record) {
					filtered = append(filtered, record)
				}
			}
			out = append(out, filtered)
		}
		return FromGroups(out), nil
	}
	records, _ := d.Records()
	out := make([]Record, 0, len(records))
	for _, record := range records {
		if keep(record) {
			out = append(out, record)
		}
	}
	return FromRecords(out), nil
}

// opFlatten hoists the keys of the nested object at flattenedKey to the
// record's top level. keepFlattened leaves conflicting top-level keys
// untouched; keepFlattenedKey retains the original nested key.
func opFlatten(d Dataset, raw json.RawMessage) (Dataset, error) {
	var params struct {
		FlattenedKey     string `json:"flattenedKey"`
		KeepFlattened    bool   `json:"keepFlattened"`
		KeepFlattenedKey bool   `json:"keepFlattenedKey"`
	}
	if err := decodeParams(raw, &params); err != nil {
		return Dataset{}, err
	}

	flattenOne := func(record Record) Record {
		nested, ok := record[params.FlattenedKey].(map[string]any)
		if !ok {
			return record
		}
		next := cloneRecord(record)
		for key, value := range nested {
			if params.KeepFlattened {
				if _, exists := record[key]; exists {
					continue
				}
			}
			next[key] = value
		}
		if !params.KeepFlattenedKey {
			delete(next, params.FlattenedKey)
		}
		return next
	}

	if d.Grouped() {
		groups, _ := d.Groups()
		out := make([][]Record, 0, len(groups))
		for _, group := range groups {
			flattened := make([]Record, 0, len(group))
			for _, record := range group {
				flattened = append(flattened, flattenOne(record))
			}
			out = append(out, flattened)
		}
		return FromGroups(out), nil
	}
	records, _ := d.Records()
	out := make([]Record, 0, len(records))
	for _, record := range records {
		out = append(out, flattenOne(record))
	}
	return FromRecords(out), nil
}
