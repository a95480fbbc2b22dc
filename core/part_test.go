package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContent_Text(t *testing.T) {
	content := Content{
		Role: "assistant",
		Parts: []Part{
			TextPart{Text: "Hello, "},
			FunctionCallPart{FunctionCall: FunctionCall{ID: "c1", Name: "get_weather"}},
			TextPart{Text: "world"},
		},
	}

	assert.Equal(t, "Hello, world", content.Text())
}

func TestContent_FunctionCalls(t *testing.T) {
	content := Content{
		Role: "assistant",
		Parts: []Part{
			FunctionCallPart{FunctionCall: FunctionCall{ID: "c1", Name: "a"}},
			TextPart{Text: "interleaved"},
			FunctionCallPart{FunctionCall: FunctionCall{ID: "c2", Name: "b"}},
		},
	}

	calls := content.FunctionCalls()
	assert.Len(t, calls, 2)
	assert.Equal(t, "c1", calls[0].ID)
	assert.Equal(t, "c2", calls[1].ID)
}

func TestNewTextContent(t *testing.T) {
	content := NewTextContent("user", "hi")

	assert.Equal(t, "user", content.Role)
	assert.Equal(t, "hi", content.Text())
	assert.Empty(t, content.FunctionCalls())
	assert.Empty(t, content.FunctionResponses())
}
