package pipeline

import (
	"encoding/json"
	"fmt"
)

// opConcat merges each group into a single record. Values at concatKeys
// are collected into ordered arrays, one element per group member; other
// keys keep their first-seen value.
func opConcat(d Dataset, raw json.RawMessage) (Dataset, error) {
	var params struct {
		ConcatKeys []string `json:"concatKeys"`
	}
	if err := decodeParams(raw, &params); err != nil {
		return Dataset{}, err
	}
	groups, err := d.Groups()
	if err != nil {
		return Dataset{}, err
	}

	concat := make(map[string]bool, len(params.ConcatKeys))
	for _, key := range params.ConcatKeys {
		concat[key] = true
	}

	out := make([]Record, 0, len(groups))
	for _, group := range groups {
		merged := Record{}
		for _, record := range group {
			for key, value := range record {
				if concat[key] {
					arr, _ := merged[key].([]any)
					merged[key] = append(arr, value)
				} else if _, ok := merged[key]; !ok {
					merged[key] = value
				}
			}
		}
		out = append(out, merged)
	}
	return FromRecords(out), nil
}

// opDeconcat is the reverse of CONCAT: each record whose deconcatKeys hold
// arrays explodes into one record per element, nested as one sub-array per
// original record. matchMode "combinations" takes the cartesian product;
// "sequential" aligns elements by index.
func opDeconcat(d Dataset, raw json.RawMessage) (Dataset, error) {
	var params struct {
		DeconcatKeys []string `json:"deconcatKeys"`
		MatchMode    string   `json:"matchMode"`
	}
	if err := decodeParams(raw, &params); err != nil {
		return Dataset{}, err
	}
	records, err := d.Records()
	if err != nil {
		return Dataset{}, err
	}
	mode := params.MatchMode
	if mode == "" {
		mode = "combinations"
	}

	out := make([][]Record, 0, len(records))
	for _, record := range records {
		var sub []Record
		switch mode {
		case "combinations":
			arrays := make([][]any, len(params.DeconcatKeys))
			for i, key := range params.DeconcatKeys {
				arrays[i], _ = record[key].([]any)
			}
			for _, combination := range cartesianProduct(arrays) {
				sub = append(sub, deconcatRecord(record, params.DeconcatKeys, combination))
			}
		case "sequential":
			maxLen := 0
			for _, key := range params.DeconcatKeys {
				if arr, ok := record[key].([]any); ok && len(arr) > maxLen {
					maxLen = len(arr)
				}
			}
			for i := 0; i < maxLen; i++ {
				values := make([]any, len(params.DeconcatKeys))
				for j, key := range params.DeconcatKeys {
					if arr, ok := record[key].([]any); ok && i < len(arr) {
						values[j] = arr[i]
					}
				}
				sub = append(sub, deconcatRecord(record, params.DeconcatKeys, values))
			}
		default:
			return Dataset{}, fmt.Errorf("unknown match mode %q", mode)
		}
		out = append(out, sub)
	}
	return FromGroups(out), nil
}

func deconcatRecord(record Record, keys []string, values []any) Record {
	next := Record{}
	exploded := make(map[string]bool, len(keys))
	for i, key := range keys {
		next[key] = values[i]
		exploded[key] = true
	}
	for key, value := range record {
		if !exploded[key] {
			next[key] = value
		}
	}
	return next
}

// cartesianProduct expands [[a b] [x y]] into [[a x] [a y] [b x] [b y]].
func cartesianProduct(arrays [][]any) [][]any {
	result := [][]any{{}}
	for _, array := range arrays {
		var next [][]any
		for _, prefix := range result {
			for _, v := range array {
				combo := make([]any, len(prefix), len(prefix)+1)
				copy(combo, prefix)
				next = append(next, append(combo, v))
			}
		}
		result = next
	}
	return result
}

// opJoin merges every member of a group into one wide record. Keys listed
// in reservedKeys are copied once from the first member carrying them;
// other keys merge in group order with later members overwriting.
func opJoin(d Dataset, raw json.RawMessage) (Dataset, error) {
	var params struct {
		ReservedKeys []string `json:"reservedKeys"`
	}
	if err := decodeParams(raw, &params); err != nil {
		return Dataset{}, err
	}
	groups, err := d.Groups()
	if err != nil {
		return Dataset{}, err
	}

	reserved := make(map[string]bool, len(params.ReservedKeys))
	for _, key := range params.ReservedKeys {
		reserved[key] = true
	}

	out := make([]Record, 0, len(groups))
	for _, group := range groups {
		merged := Record{}
		for _, record := range group {
			for key, value := range record {
				if reserved[key] {
					if _, ok := merged[key]; ok {
						continue
					}
				}
				merged[key] = value
			}
		}
		out = append(out, merged)
	}
	return FromRecords(out), nil
}

// opDegroup is the reverse of JOIN: each wide record explodes into one
// narrower record per targetKeyGroups entry, each retaining sharedKeys
// plus only that group's keys.
func opDegroup(d Dataset, raw json.RawMessage) (Dataset, error) {
	var params struct {
		SharedKeys      []string   `json:"sharedKeys"`
		TargetKeyGroups [][]string `json:"targetKeyGroups"`
	}
	if err := decodeParams(raw, &params); err != nil {
		return Dataset{}, err
	}
	records, err := d.Records()
	if err != nil {
		return Dataset{}, err
	}

	out := make([][]Record, 0, len(records))
	for _, record := range records {
		sub := make([]Record, 0, len(params.TargetKeyGroups))
		for _, targetKeys := range params.TargetKeyGroups {
			next := Record{}
			for _, key := range params.SharedKeys {
				if v, ok := record[key]; ok {
					next[key] = v
				}
			}
			for _, key := range targetKeys {
				if v, ok := record[key]; ok {
					next[key] = v
				}
			}
			sub = append(sub, next)
		}
		out = append(out, sub)
	}
	return FromGroups(out), nil
}
