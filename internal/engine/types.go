package engine

import (
	"maps"
	"slices"
)

// Chat roles understood by the inference server.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn sent to or returned by Chat.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func SystemMessage(content string) Message { return Message{Role: RoleSystem, Content: content} }
func UserMessage(content string) Message   { return Message{Role: RoleUser, Content: content} }

// Schema constrains a Chat answer to a JSON object. It is sent as the
// request's format field.
type Schema struct {
	Type       string                    `json:"type"`
	Properties map[string]SchemaProperty `json:"properties"`
	Required   []string                  `json:"required,omitempty"`
}

type SchemaProperty struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
}

// ObjectSchema is an object Schema in which every property is required.
func ObjectSchema(props map[string]SchemaProperty) *Schema {
	return &Schema{
		Type:       "object",
		Properties: props,
		Required:   slices.Sorted(maps.Keys(props)),
	}
}

// PullProgress is one status line of a model download.
type PullProgress struct {
	Status    string `json:"status"`
	Total     int64  `json:"total,omitempty"`
	Completed int64  `json:"completed,omitempty"`
}

// Percent is the downloaded share in [0, 100], or -1 while the size is
// unknown.
func (p PullProgress) Percent() float64 {
	if p.Total <= 0 {
		return -1
	}
	return float64(p.Completed) / float64(p.Total) * 100
}
