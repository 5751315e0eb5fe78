package content

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/markusmobius/go-trafilatura"
	"golang.org/x/net/html"
)

// extractMain runs trafilatura over the page and returns the main-content HTML and detected title.
func extractMain(rawHTML string) (string, string, error) {
	if strings.TrimSpace(rawHTML) == "" {
		return "", "", nil
	}
	result, err := trafilatura.Extract(strings.NewReader(rawHTML), trafilatura.Options{EnableFallback: true})
	if err != nil {
		return "", "", fmt.Errorf("trafilatura extract: %w", err)
	}
	if result == nil {
		return "", "", nil
	}
	var contentHTML string
	if result.ContentNode != nil {
		var buf bytes.Buffer
		if err := html.Render(&buf, result.ContentNode); err != nil {
			return "", "", fmt.Errorf("render content node: %w", err)
		}
		contentHTML = buf.String()
	}
	return contentHTML, result.Metadata.Title, nil
}
