package pipeline

import (
	"encoding/json"
	"strings"

	"studybroker/internal/formula"
)

// opGroup partitions a flat record list into sub-arrays sharing identical
// values at the dotted-path keys. Records missing any key are emitted as
// singleton groups unless skipUnmatch drops them. Group order follows
// first appearance.
func opGroup(d Dataset, raw json.RawMessage) (Dataset, error) {
	var params struct {
		Keys        []string `json:"keys"`
		SkipUnmatch bool     `json:"skipUnmatch"`
	}
	if err := decodeParams(raw, &params); err != nil {
		return Dataset{}, err
	}
	records, err := d.Records()
	if err != nil {
		return Dataset{}, err
	}

	groupIndex := make(map[string]int)
	var groups [][]Record
	var unmatched [][]Record
	for _, record := range records {
		parts := make([]string, 0, len(params.Keys))
		matched := true
		for _, key := range params.Keys {
			v := formula.Lookup(record, key)
			if formula.IsUndefined(v) {
				matched = false
				break
			}
			parts = append(parts, formula.Stringify(v))
		}
		if !matched {
			if !params.SkipUnmatch {
				unmatched = append(unmatched, []Record{record})
			}
			continue
		}
		key := strings.Join(parts, "|")
		idx, ok := groupIndex[key]
		if !ok {
			idx = len(groups)
			groupIndex[key] = idx
			groups = append(groups, nil)
		}
		groups[idx] = append(groups[idx], record)
	}
	return FromGroups(append(groups, unmatched...)), nil
}

// opLeaveOne keeps one record per group: the one whose scoreFormula value
// is the extremum. isDescend selects max, otherwise min; ties keep the
// earliest record in group order.
func opLeaveOne(d Dataset, raw json.RawMessage) (Dataset, error) {
	var params struct {
		ScoreFormula *formula.Node `json:"scoreFormula"`
		IsDescend    bool          `json:"isDescend"`
	}
	if err := decodeParams(raw, &params); err != nil {
		return Dataset{}, err
	}
	groups, err := d.Groups()
	if err != nil {
		return Dataset{}, err
	}

	var out []Record
	for _, group := range groups {
		if len(group) == 0 {
			continue
		}
		best := 0
		bestScore, err := scoreOf(params.ScoreFormula, group[0])
		if err != nil {
			return Dataset{}, err
		}
		for i := 1; i < len(group); i++ {
			score, err := scoreOf(params.ScoreFormula, group[i])
			if err != nil {
				return Dataset{}, err
			}
			if (params.IsDescend && score > bestScore) || (!params.IsDescend && score < bestScore) {
				best, bestScore = i, score
			}
		}
		out = append(out, group[best])
	}
	return FromRecords(out), nil
}

func scoreOf(node *formula.Node, record Record) (float64, error) {
	v, err := formula.Evaluate(node, record)
	if err != nil {
		return 0, err
	}
	f, _ := formula.ToNumber(v)
	return f, nil
}

// opCount replaces each group with {count: size}. addedKeyRules project
// extra keys evaluated against the first group member.
func opCount(d Dataset, raw json.RawMessage) (Dataset, error) {
	var params struct {
		AddedKeyRules []keyRule `json:"addedKeyRules"`
	}
	if err := decodeParams(raw, &params); err != nil {
		return Dataset{}, err
	}
	groups, err := d.Groups()
	if err != nil {
		return Dataset{}, err
	}

	out := make([]Record, 0, len(groups))
	for _, group := range groups {
		record := Record{"count": len(group)}
		if len(group) > 0 {
			if err := applyKeyRules(record, group[0], params.AddedKeyRules); err != nil {
				return Dataset{}, err
			}
		}
		out = append(out, record)
	}
	return FromRecords(out), nil
}
