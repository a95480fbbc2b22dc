package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRenderTemplate(t *testing.T) {
	out, err := RenderTemplate("Research {{.topic}} in depth.", map[string]any{"topic": "Go generics"})

	assert.NoError(t, err)
	assert.Equal(t, "Research Go generics in depth.", out)
}

func TestRenderTemplate_NoMarkers(t *testing.T) {
	out, err := RenderTemplate("plain text", nil)

	assert.NoError(t, err)
	assert.Equal(t, "plain text", out)
}

func TestRenderTemplate_Funcs(t *testing.T) {
	out, err := RenderTemplate(`{{upper .name}} ({{default "unknown" .role}})`, map[string]any{"name": "ada"})

	assert.NoError(t, err)
	assert.Equal(t, "ADA (unknown)", out)
}

func TestRenderTemplate_ParseError(t *testing.T) {
	_, err := RenderTemplate("{{.broken", nil)

	assert.Error(t, err)
}
