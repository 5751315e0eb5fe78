package media

import (
	"mime"
	"net/url"
	"path"
	"strings"

	"github.com/JakeFAU/stagecrawl/internal/hash/sha256"
)

const maxFilenameLen = 128

// preferredExt overrides mime.ExtensionsByType where the system table is ambiguous.
var preferredExt = map[string]string{
	"image/jpeg":               ".jpg",
	"image/png":                ".png",
	"image/gif":                ".gif",
	"image/webp":               ".webp",
	"image/svg+xml":            ".svg",
	"application/pdf":          ".pdf",
	"text/csv":                 ".csv",
	"text/plain":               ".txt",
	"application/zip":          ".zip",
	"application/octet-stream": ".bin",
}

// Filename names a stored asset after the URL basename, or "resource_<sha8>"
// when the URL has no usable basename. An extension derived from the MIME type
// is appended when the name has none.
func Filename(rawURL, mimeType, digest string) string {
	name := basename(rawURL)
	if name == "" {
		name = "resource_" + sha256.Prefix(digest, 8)
	}
	if path.Ext(name) == "" {
		name += extensionFor(mimeType)
	}
	return name
}

func basename(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	base := path.Base(u.Path)
	if unescaped, err := url.PathUnescape(base); err == nil {
		base = unescaped
	}
	if base == "." || base == "/" || base == "" {
		return ""
	}
	var b strings.Builder
	for _, r := range base {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	name := strings.Trim(b.String(), "._")
	if name == "" {
		return ""
	}
	if len(name) > maxFilenameLen {
		ext := path.Ext(name)
		if len(ext) > 16 {
			ext = ""
		}
		name = name[:maxFilenameLen-len(ext)] + ext
	}
	return name
}

func extensionFor(mimeType string) string {
	if ext, ok := preferredExt[mimeType]; ok {
		return ext
	}
	if exts, err := mime.ExtensionsByType(mimeType); err == nil && len(exts) > 0 {
		return exts[0]
	}
	return ".bin"
}
