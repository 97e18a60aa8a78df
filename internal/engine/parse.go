package engine

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"

	"studybroker/internal/model"
)

var (
	decimalPattern  = regexp.MustCompile(`^-?\d+(\.\d+)?$`)
	integerPattern  = regexp.MustCompile(`^-?\d+$`)
	datetimePattern = regexp.MustCompile(`^(-?(?:[1-9][0-9]*)?[0-9]{4})-(1[0-2]|0[1-9])-(3[01]|0[1-9]|[12][0-9])T(2[0-3]|[01][0-9]):([0-5][0-9]):([0-5][0-9])(\.[0-9]+)?(Z)?$`)
)

// parseValue converts a submitted string value to the field's native type.
// Returns the parsed value and an empty message on success, or a
// description of why the value does not fit the declared type.
func parseValue(field model.Field, value string) (any, string) {
	switch field.DataType {
	case model.TypeDecimal:
		if !decimalPattern.MatchString(value) {
			return nil, fmt.Sprintf("Field %s: Cannot parse as decimal.", field.FieldID)
		}
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return nil, fmt.Sprintf("Field %s: Cannot parse as decimal.", field.FieldID)
		}
		return f, ""
	case model.TypeInteger:
		if !integerPattern.MatchString(value) {
			return nil, fmt.Sprintf("Field %s: Cannot parse as integer.", field.FieldID)
		}
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return nil, fmt.Sprintf("Field %s: Cannot parse as integer.", field.FieldID)
		}
		return n, ""
	case model.TypeBoolean:
		switch value {
		case "true":
			return true, ""
		case "false":
			return false, ""
		}
		return nil, fmt.Sprintf("Field %s: Cannot parse as boolean.", field.FieldID)
	case model.TypeString:
		return value, ""
	case model.TypeDatetime:
		if !datetimePattern.MatchString(value) {
			return nil, fmt.Sprintf("Field %s: Cannot parse as date. Value for date type must be in ISO format.", field.FieldID)
		}
		return value, ""
	case model.TypeJSON:
		var parsed any
		if err := json.Unmarshal([]byte(value), &parsed); err != nil {
			return nil, fmt.Sprintf("Field %s: Cannot parse as json.", field.FieldID)
		}
		return parsed, ""
	case model.TypeFile:
		// File values are entry ids minted by the file upload path.
		return value, ""
	case model.TypeCategorical:
		if len(field.CategoricalOptions) == 0 {
			return nil, fmt.Sprintf("Field %s: Cannot parse as categorical, possible values not defined.", field.FieldID)
		}
		for _, option := range field.CategoricalOptions {
			if option.Code == value {
				return value, ""
			}
		}
		return nil, fmt.Sprintf("Field %s: Cannot parse as categorical, value not in value list.", field.FieldID)
	}
	return nil, fmt.Sprintf("Field %s: Invalid data Type.", field.FieldID)
}
