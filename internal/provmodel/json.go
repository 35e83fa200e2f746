package provmodel

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MarshalJSON encodes a Message while preserving the concrete Part type
// stored in Parts via an explicit "kind" discriminator, so round-trips
// through JSON (session frames, config fixtures) do not lose type
// information carried in the Part interface slice.
func (m Message) MarshalJSON() ([]byte, error) {
	type alias struct {
		Role        ConversationRole `json:"role"`
		Content     string           `json:"content,omitempty"`
		Parts       []any            `json:"parts,omitempty"`
		ToolCalls   []ToolCall       `json:"toolCalls,omitempty"`
		ToolResults []ToolResult     `json:"toolResults,omitempty"`
		Meta        map[string]any   `json:"meta,omitempty"`
	}
	out := alias{
		Role:        m.Role,
		Content:     m.Content,
		ToolCalls:   m.ToolCalls,
		ToolResults: m.ToolResults,
		Meta:        m.Meta,
	}
	if len(m.Parts) > 0 {
		parts := make([]any, 0, len(m.Parts))
		for i, p := range m.Parts {
			enc, err := encodePart(p)
			if err != nil {
				return nil, fmt.Errorf("encode parts[%d]: %w", i, err)
			}
			parts = append(parts, enc)
		}
		out.Parts = parts
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes a Message, materializing concrete Part
// implementations from their "kind" discriminator.
func (m *Message) UnmarshalJSON(data []byte) error {
	type alias struct {
		Role        ConversationRole  `json:"role"`
		Content     string            `json:"content"`
		Parts       []json.RawMessage `json:"parts"`
		ToolCalls   []ToolCall        `json:"toolCalls"`
		ToolResults []ToolResult      `json:"toolResults"`
		Meta        map[string]any    `json:"meta"`
	}
	var tmp alias
	if err := json.Unmarshal(data, &tmp); err != nil {
		return err
	}
	m.Role = tmp.Role
	m.Content = tmp.Content
	m.ToolCalls = tmp.ToolCalls
	m.ToolResults = tmp.ToolResults
	m.Meta = tmp.Meta
	if len(tmp.Parts) == 0 {
		m.Parts = nil
		return nil
	}
	m.Parts = make([]Part, 0, len(tmp.Parts))
	for i, raw := range tmp.Parts {
		part, err := decodePart(raw)
		if err != nil {
			return fmt.Errorf("decode parts[%d]: %w", i, err)
		}
		m.Parts = append(m.Parts, part)
	}
	return nil
}

func encodePart(p Part) (any, error) {
	switch v := p.(type) {
	case TextPart:
		return struct {
			Kind string `json:"kind"`
			TextPart
		}{Kind: "text", TextPart: v}, nil
	case ImagePart:
		return struct {
			Kind string `json:"kind"`
			ImagePart
		}{Kind: "image", ImagePart: v}, nil
	default:
		return nil, fmt.Errorf("unknown part type %T", p)
	}
}

func decodePart(raw json.RawMessage) (Part, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("decode part object: %w", err)
	}
	kindRaw, ok := obj["kind"]
	if !ok {
		return nil, errors.New("part missing kind discriminator")
	}
	var kind string
	if err := json.Unmarshal(kindRaw, &kind); err != nil {
		return nil, fmt.Errorf("decode kind: %w", err)
	}
	switch kind {
	case "text":
		var t TextPart
		if err := json.Unmarshal(raw, &t); err != nil {
			return nil, fmt.Errorf("decode TextPart: %w", err)
		}
		return t, nil
	case "image":
		var img ImagePart
		if err := json.Unmarshal(raw, &img); err != nil {
			return nil, fmt.Errorf("decode ImagePart: %w", err)
		}
		if img.Base64 == "" && img.URL == "" {
			return nil, errors.New("ImagePart requires Base64 or URL")
		}
		return img, nil
	default:
		return nil, fmt.Errorf("unknown part kind %q", kind)
	}
}
