package extract

import (
	"github.com/JakeFAU/stagecrawl/internal/crawler"
)

// FilterBySchema keeps only keys declared in the schema's properties and reports
// required keys that are absent, in schema order. A nil schema or one without
// properties passes data through unchanged.
func FilterBySchema(data map[string]any, schema *crawler.OutputSchema) (map[string]any, []string) {
	if schema == nil || len(schema.Properties) == 0 {
		return data, nil
	}
	filtered := make(map[string]any, len(schema.Properties))
	for key, value := range data {
		if _, ok := schema.Properties[key]; ok {
			filtered[key] = value
		}
	}
	var missing []string
	for _, key := range schema.Required {
		if _, ok := filtered[key]; !ok {
			missing = append(missing, key)
		}
	}
	return filtered, missing
}
