package promptctx

import (
	"encoding/json"
	"sort"
)

// schemaParam is one parameter extracted from a tool's JSON-schema-like
// input_schema, in the shape ToolsDetailed needs.
type schemaParam struct {
	Name     string
	Type     string
	Enum     []string
	Required bool
}

// schemaParameters extracts top-level object properties from a JSON-schema
// document. Unparsable or non-object schemas yield no parameters.
func schemaParameters(raw json.RawMessage) []schemaParam {
	if len(raw) == 0 {
		return nil
	}

	var doc struct {
		Properties map[string]struct {
			Type string `json:"type"`
			Enum []any  `json:"enum"`
		} `json:"properties"`
		Required []string `json:"required"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil
	}

	required := make(map[string]bool, len(doc.Required))
	for _, r := range doc.Required {
		required[r] = true
	}

	params := make([]schemaParam, 0, len(doc.Properties))
	for name, prop := range doc.Properties {
		p := schemaParam{Name: name, Type: prop.Type, Required: required[name]}
		for _, e := range prop.Enum {
			if s, ok := e.(string); ok {
				p.Enum = append(p.Enum, s)
			}
		}
		params = append(params, p)
	}
	sort.Slice(params, func(i, j int) bool { return params[i].Name < params[j].Name })
	return params
}
