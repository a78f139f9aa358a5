package syncengine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nimbusuite/hub/pkg/models"
)

func TestApplyMappingNilPassthrough(t *testing.T) {
	source := Record{"id": "1", "name": "Ada"}

	out, err := ApplyMapping(nil, source)
	require.NoError(t, err)
	assert.Equal(t, source, out)

	// Passthrough copies; mutating the output leaves the source alone
	out["name"] = "changed"
	assert.Equal(t, "Ada", source["name"])
}

func TestApplyMappingRenamesAndDropsUnmapped(t *testing.T) {
	mapping := &models.FieldMapping{
		Rules: []models.FieldRule{
			{SourceField: "full_name", TargetField: "name"},
		},
	}

	out, err := ApplyMapping(mapping, Record{
		"id":        "1",
		"full_name": "Ada Lovelace",
		"internal":  "dropped",
	})
	require.NoError(t, err)

	assert.Equal(t, "Ada Lovelace", out["name"])
	assert.NotContains(t, out, "internal")
	// Identity survives without an explicit rule
	assert.Equal(t, "1", out["id"])
}

func TestApplyMappingDefaults(t *testing.T) {
	mapping := &models.FieldMapping{
		Rules: []models.FieldRule{
			{SourceField: "stage", TargetField: "stage", Default: "new"},
			{SourceField: "owner", TargetField: "owner"},
		},
	}

	out, err := ApplyMapping(mapping, Record{"id": "1"})
	require.NoError(t, err)

	assert.Equal(t, "new", out["stage"])
	assert.NotContains(t, out, "owner")
}

func TestApplyMappingTransforms(t *testing.T) {
	tests := []struct {
		name   string
		rule   models.FieldRule
		source Record
		want   interface{}
	}{
		{
			"lowercase",
			models.FieldRule{SourceField: "email", TargetField: "email", Transform: models.TransformLowercase},
			Record{"email": "Ada@Example.COM"},
			"ada@example.com",
		},
		{
			"uppercase",
			models.FieldRule{SourceField: "code", TargetField: "code", Transform: models.TransformUppercase},
			Record{"code": "gb"},
			"GB",
		},
		{
			"trim",
			models.FieldRule{SourceField: "name", TargetField: "name", Transform: models.TransformTrim},
			Record{"name": "  Ada  "},
			"Ada",
		},
		{
			"to_string",
			models.FieldRule{SourceField: "count", TargetField: "count", Transform: models.TransformToString},
			Record{"count": float64(7)},
			"7",
		},
		{
			"to_number from string",
			models.FieldRule{SourceField: "amount", TargetField: "amount", Transform: models.TransformToNumber},
			Record{"amount": "12.5"},
			12.5,
		},
		{
			"template",
			models.FieldRule{SourceField: "first", TargetField: "display", Transform: models.TransformTemplate, Template: "{first} {last}"},
			Record{"first": "Ada", "last": "Lovelace"},
			"Ada Lovelace",
		},
		{
			"const",
			models.FieldRule{SourceField: "id", TargetField: "origin", Transform: models.TransformConst, Template: "crm"},
			Record{"id": "1"},
			"crm",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			mapping := &models.FieldMapping{Rules: []models.FieldRule{tc.rule}}
			out, err := ApplyMapping(mapping, tc.source)
			require.NoError(t, err)
			assert.Equal(t, tc.want, out[tc.rule.TargetField])
		})
	}
}

func TestApplyMappingToNumberRejectsGarbage(t *testing.T) {
	mapping := &models.FieldMapping{
		Rules: []models.FieldRule{
			{SourceField: "amount", TargetField: "amount", Transform: models.TransformToNumber},
		},
	}

	_, err := ApplyMapping(mapping, Record{"amount": "not a number"})
	require.Error(t, err)
}

func TestReverseMapping(t *testing.T) {
	mapping := &models.FieldMapping{
		Name: "crm contacts",
		Rules: []models.FieldRule{
			{SourceField: "full_name", TargetField: "name", Transform: models.TransformTrim},
			{SourceField: "mail", TargetField: "email"},
		},
	}

	reversed := ReverseMapping(mapping)
	require.NotNil(t, reversed)
	require.Len(t, reversed.Rules, 2)

	assert.Equal(t, "name", reversed.Rules[0].SourceField)
	assert.Equal(t, "full_name", reversed.Rules[0].TargetField)
	// Transforms do not invert; reversed rules are pure renames
	assert.Equal(t, models.TransformNone, reversed.Rules[0].Transform)

	out, err := ApplyMapping(reversed, Record{"id": "1", "name": "Ada", "email": "a@b.c"})
	require.NoError(t, err)
	assert.Equal(t, "Ada", out["full_name"])
	assert.Equal(t, "a@b.c", out["mail"])

	assert.Nil(t, ReverseMapping(nil))
}
