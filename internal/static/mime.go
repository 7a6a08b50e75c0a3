package static

import (
	"path"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// contentTypes is the fixed extension table. Anything listed here wins over
// content sniffing.
var contentTypes = map[string]string{
	".css":  "text/css; charset=utf-8",
	".js":   "application/javascript; charset=utf-8",
	".html": "text/html; charset=utf-8",
	".svg":  "image/svg+xml; charset=utf-8",
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".mp3":  "audio/mpeg",
	".json": "application/json; charset=utf-8",
}

// ContentTypeFor returns the forced Content-Type for a file name based only
// on its extension.
func ContentTypeFor(name string) (string, bool) {
	ct, ok := contentTypes[strings.ToLower(path.Ext(name))]
	return ct, ok
}

// DetectContentType uses the extension table first and falls back to
// sniffing the file at fsPath.
func DetectContentType(name, fsPath string) string {
	if ct, ok := ContentTypeFor(name); ok {
		return ct
	}
	mt, err := mimetype.DetectFile(fsPath)
	if err != nil {
		return "application/octet-stream"
	}
	return mt.String()
}
