package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type weatherArgs struct {
	City  string  `json:"city" description:"City name"`
	Days  int     `json:"days,omitempty"`
	Scale *string `json:"scale"`
}

func TestCreateSchema(t *testing.T) {
	schema := CreateSchema(weatherArgs{})

	assert.Equal(t, "object", schema["type"])

	properties := schema["properties"].(map[string]any)
	assert.Len(t, properties, 3)

	city := properties["city"].(map[string]any)
	assert.Equal(t, "string", city["type"])
	assert.Equal(t, "City name", city["description"])

	days := properties["days"].(map[string]any)
	assert.Equal(t, "integer", days["type"])

	// Optional: omitempty and pointer fields are never required.
	assert.Equal(t, []string{"city"}, schema["required"])
}

func TestCreateSchema_NonStruct(t *testing.T) {
	schema := CreateSchema("not a struct")

	assert.Equal(t, "object", schema["type"])
	assert.Empty(t, schema["properties"])
}

func TestValidateParameters_Conforming(t *testing.T) {
	schema := CreateSchema(weatherArgs{})

	violations := ValidateParameters(map[string]any{
		"city": "Tokyo",
		"days": float64(3), // JSON numbers arrive as float64
	}, schema)

	assert.Nil(t, violations)
}

func TestValidateParameters_CollectsAllViolations(t *testing.T) {
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"city": map[string]any{"type": "string"},
			"days": map[string]any{"type": "integer"},
		},
		"required": []string{"city", "days"},
	}

	violations := ValidateParameters(map[string]any{
		"days": 2.5, // not an integer
	}, schema)

	assert.Len(t, violations, 2)
	assert.Equal(t, "city", violations[0].Field)
	assert.Contains(t, violations[0].Message, "required")
	assert.Equal(t, "days", violations[1].Field)
	assert.Contains(t, violations[1].Message, "expected type integer")
}

func TestValidateParameters_WrongType(t *testing.T) {
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"city": map[string]any{"type": "string"},
		},
		"required": []string{"city"},
	}

	violations := ValidateParameters(map[string]any{"city": float64(123)}, schema)

	assert.Len(t, violations, 1)
	assert.Equal(t, "city", violations[0].Field)
	assert.Equal(t, float64(123), violations[0].Value)
}

func TestValidateParameters_RequiredAsAnySlice(t *testing.T) {
	// Schemas round-tripped through JSON carry []any instead of []string.
	schema := map[string]any{
		"type":       "object",
		"properties": map[string]any{"city": map[string]any{"type": "string"}},
		"required":   []any{"city"},
	}

	violations := ValidateParameters(map[string]any{}, schema)

	assert.Len(t, violations, 1)
}

func TestValidateParameters_ExtraFieldsAllowed(t *testing.T) {
	schema := map[string]any{
		"type":       "object",
		"properties": map[string]any{"city": map[string]any{"type": "string"}},
	}

	violations := ValidateParameters(map[string]any{
		"city":  "Tokyo",
		"extra": true,
	}, schema)

	assert.Nil(t, violations)
}
