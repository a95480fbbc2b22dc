// Package model defines the provider-agnostic language model contract
// consumed by the agent runner: a normalized Request (instructions, ordered
// contents, tool definitions), streamed Response chunks, token usage
// accounting and the transport/semantic error split. Provider adapters live
// in subpackages (anthropic, openai); MockModel supports deterministic tests.
package model
