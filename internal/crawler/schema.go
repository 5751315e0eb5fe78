package crawler

// OutputSchema is the caller-declared JSON-schema-like output shape.
type OutputSchema struct {
	Properties map[string]any
	// Required lists required keys in declaration order.
	Required []string
	Raw      map[string]any
}

// NewSchema builds an OutputSchema from a decoded schema document. A nil document yields nil.
func NewSchema(raw map[string]any) *OutputSchema {
	if raw == nil {
		return nil
	}
	s := &OutputSchema{Raw: raw}
	if props, ok := raw["properties"].(map[string]any); ok {
		s.Properties = props
	}
	switch req := raw["required"].(type) {
	case []any:
		for _, r := range req {
			if name, ok := r.(string); ok {
				s.Required = append(s.Required, name)
			}
		}
	case []string:
		s.Required = append(s.Required, req...)
	}
	return s
}
