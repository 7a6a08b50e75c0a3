package static

import (
	"os"
	"path/filepath"
	"slices"
	"strings"
)

var (
	// Undo one extra level of encoding: %2540 -> %40.
	singleDecode = strings.NewReplacer(
		"%2540", "%40",
		"%253D", "%3D", "%253d", "%3D",
	)

	// Decode all the way to the literal characters.
	literalDecode = strings.NewReplacer(
		"%2540", "@",
		"%253D", "=", "%253d", "=",
		"%40", "@",
		"%3D", "=", "%3d", "=",
	)

	// Files mirrored from the original host are sometimes stored with the
	// encoded names.
	literalEncode = strings.NewReplacer(
		"@", "%40",
		"=", "%3D",
	)
)

// Candidates returns the decoding candidates for a request path, in the
// order they are tried. The first entry is always the path itself.
func Candidates(urlPath string) []string {
	out := []string{urlPath}
	for _, c := range []string{
		singleDecode.Replace(urlPath),
		literalDecode.Replace(urlPath),
		literalEncode.Replace(urlPath),
	} {
		if !slices.Contains(out, c) {
			out = append(out, c)
		}
	}
	return out
}

// Rewrite picks the first candidate that names an existing regular file
// under root. If none does, the original path is returned unchanged and
// rewritten is false.
func Rewrite(root, urlPath string) (resolved string, rewritten bool) {
	for i, c := range Candidates(urlPath) {
		full, ok := safeJoin(root, c)
		if !ok {
			continue
		}
		if info, err := os.Stat(full); err == nil && info.Mode().IsRegular() {
			return c, i > 0
		}
	}
	return urlPath, false
}

// safeJoin maps a slash-separated URL path into root, refusing anything
// that would escape it.
func safeJoin(root, urlPath string) (string, bool) {
	if strings.Contains(urlPath, "\x00") {
		return "", false
	}
	for _, part := range strings.Split(urlPath, "/") {
		if part == ".." {
			return "", false
		}
	}
	full := filepath.Join(root, filepath.FromSlash(filepath.Clean("/"+urlPath)))
	if full != root && !strings.HasPrefix(full, root+string(os.PathSeparator)) {
		return "", false
	}
	return full, true
}
