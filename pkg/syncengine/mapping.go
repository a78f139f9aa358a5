// Package syncengine moves records between an external service and the
// local store: fetch, transform per field mapping, load, with configurable
// conflict resolution for records changed on both sides.
package syncengine

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/nimbusuite/hub/pkg/errors"
	"github.com/nimbusuite/hub/pkg/models"
)

// Record is one synchronized record keyed by field name
type Record = map[string]interface{}

// ApplyMapping transforms a source record into the target shape. A nil
// mapping passes the record through unchanged. Unmapped source fields are
// dropped; rules with absent source values fall back to their default.
func ApplyMapping(mapping *models.FieldMapping, source Record) (Record, error) {
	if mapping == nil {
		out := make(Record, len(source))
		for k, v := range source {
			out[k] = v
		}
		return out, nil
	}

	target := make(Record, len(mapping.Rules))
	for _, rule := range mapping.Rules {
		value, present := source[rule.SourceField]
		if !present || value == nil {
			if rule.Default != nil {
				target[rule.TargetField] = rule.Default
			}
			continue
		}

		transformed, err := applyTransform(rule, value, source)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeSync,
				fmt.Sprintf("transform field %s", rule.SourceField))
		}
		target[rule.TargetField] = transformed
	}

	// Identity and recency fields survive the mapping so diffing and
	// conflict resolution keep working on transformed records.
	for _, key := range []string{"id", "updated_at"} {
		if _, mapped := target[key]; !mapped {
			if v, ok := source[key]; ok {
				target[key] = v
			}
		}
	}

	return target, nil
}

// applyTransform runs one rule's transformation
func applyTransform(rule models.FieldRule, value interface{}, source Record) (interface{}, error) {
	switch rule.Transform {
	case models.TransformNone:
		return value, nil

	case models.TransformLowercase:
		return strings.ToLower(toString(value)), nil

	case models.TransformUppercase:
		return strings.ToUpper(toString(value)), nil

	case models.TransformTrim:
		return strings.TrimSpace(toString(value)), nil

	case models.TransformToString:
		return toString(value), nil

	case models.TransformToNumber:
		switch v := value.(type) {
		case float64:
			return v, nil
		case int:
			return float64(v), nil
		case string:
			n, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
			if err != nil {
				return nil, errors.Newf(errors.ErrorTypeValidation, "value %q is not a number", v)
			}
			return n, nil
		default:
			return nil, errors.Newf(errors.ErrorTypeValidation, "cannot convert %T to number", value)
		}

	case models.TransformTemplate:
		rendered := rule.Template
		for key, v := range source {
			rendered = strings.ReplaceAll(rendered, "{"+key+"}", toString(v))
		}
		return rendered, nil

	case models.TransformConst:
		return rule.Template, nil
	}

	return nil, errors.Newf(errors.ErrorTypeConfig, "unknown transform %q", rule.Transform)
}

// ReverseMapping swaps source and target fields for the outbound direction.
// Value transforms do not invert cleanly, so reversed rules only rename.
func ReverseMapping(mapping *models.FieldMapping) *models.FieldMapping {
	if mapping == nil {
		return nil
	}

	reversed := &models.FieldMapping{
		ID:         mapping.ID,
		Name:       mapping.Name + " (reversed)",
		EntityType: mapping.EntityType,
		Rules:      make([]models.FieldRule, 0, len(mapping.Rules)),
	}
	for _, rule := range mapping.Rules {
		reversed.Rules = append(reversed.Rules, models.FieldRule{
			SourceField: rule.TargetField,
			TargetField: rule.SourceField,
		})
	}
	return reversed
}

func toString(v interface{}) string {
	switch s := v.(type) {
	case string:
		return s
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", v)
	}
}
