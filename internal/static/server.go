// Package static serves the funnel page tree: route pages, plain files with
// forced MIME types, the embedded client scripts and the 404 page.
package static

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/jikku/funnel-server/internal/logging"
	"github.com/jikku/funnel-server/internal/metrics"
)

// NumberedPages is the number of numbered funnel steps (/1 .. /11).
const NumberedPages = 11

// NamedPages are the named funnel steps, each served from <name>/index.html.
var NamedPages = []string{"back", "saque", "iof", "up1", "up2", "up3", "up4", "up5"}

// ErrNotFound is returned when a route page is missing on disk.
var ErrNotFound = errors.New("file not found")

// PageRecorder stores a view of a funnel route page.
type PageRecorder interface {
	RecordPageView(ctx context.Context, r *http.Request, route string) error
}

// Options configures a Server.
type Options struct {
	Root string

	// Assets are served by URL path when no file exists on disk.
	Assets map[string][]byte

	// Inject is inserted before </body> of every served HTML page.
	Inject string

	// Exclude lists files under Root that must never be served.
	Exclude []string

	Recorder PageRecorder
	Logger   *logging.Logger
	Metrics  *metrics.Metrics
}

// Server serves the funnel site from a directory tree.
type Server struct {
	root     string
	assets   map[string][]byte
	inject   []byte
	exclude  map[string]bool
	recorder PageRecorder
	logger   *logging.Logger
	metrics  *metrics.Metrics
	loadedAt time.Time
}

// New creates a Server rooted at opts.Root.
func New(opts Options) (*Server, error) {
	root, err := filepath.Abs(opts.Root)
	if err != nil {
		return nil, fmt.Errorf("invalid root directory: %w", err)
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("failed to open root directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("root %s is not a directory", root)
	}

	exclude := make(map[string]bool, len(opts.Exclude))
	for _, p := range opts.Exclude {
		if abs, err := filepath.Abs(p); err == nil {
			exclude[abs] = true
		}
	}

	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNop()
	}

	return &Server{
		root:     root,
		assets:   opts.Assets,
		inject:   []byte(opts.Inject),
		exclude:  exclude,
		recorder: opts.Recorder,
		logger:   logger,
		metrics:  opts.Metrics,
		loadedAt: time.Now(),
	}, nil
}

// Root returns the absolute served directory.
func (s *Server) Root() string {
	return s.root
}

// Routes returns every funnel route served from an index.html.
func Routes() []string {
	routes := []string{"/"}
	for i := 1; i <= NumberedPages; i++ {
		routes = append(routes, "/"+strconv.Itoa(i))
	}
	for _, name := range NamedPages {
		routes = append(routes, "/"+name)
	}
	return routes
}

// Register mounts the route pages and the catch-all file handler.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /{$}", s.pageHandler("/", ""))
	for _, route := range Routes()[1:] {
		dir := strings.TrimPrefix(route, "/")
		h := s.pageHandler(route, dir)
		mux.HandleFunc("GET "+route, h)
		mux.HandleFunc("GET "+route+"/{$}", h)
	}
	mux.Handle("/", s)
}

// ServeHTTP serves plain files and embedded assets.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		s.NotFound(w, r)
		return
	}

	urlPath := r.URL.Path
	if hasHiddenSegment(urlPath) {
		s.NotFound(w, r)
		return
	}

	resolved, rewritten := Rewrite(s.root, urlPath)
	if rewritten {
		s.logger.Debug("rewrote encoded path",
			zap.String("from", urlPath),
			zap.String("to", resolved),
		)
		if s.metrics != nil {
			s.metrics.PathRewrites.Inc()
		}
	}

	if full, info, err := s.lookup(resolved); err == nil {
		s.serveFile(w, r, resolved, full, info)
		return
	}

	if data, ok := s.assets[urlPath]; ok {
		s.serveAsset(w, r, urlPath, data)
		return
	}

	s.NotFound(w, r)
}

func (s *Server) pageHandler(route, dir string) http.HandlerFunc {
	name := path.Join("/", dir, "index.html")
	return func(w http.ResponseWriter, r *http.Request) {
		full, info, err := s.lookup(name)
		if err != nil {
			s.NotFound(w, r)
			return
		}
		s.recordView(r, route)
		s.serveFile(w, r, name, full, info)
	}
}

// lookup resolves a URL path to a regular file under root.
func (s *Server) lookup(urlPath string) (string, os.FileInfo, error) {
	full, ok := safeJoin(s.root, urlPath)
	if !ok || s.exclude[full] {
		return "", nil, ErrNotFound
	}
	info, err := os.Stat(full)
	if err != nil || !info.Mode().IsRegular() {
		return "", nil, ErrNotFound
	}
	return full, info, nil
}

func (s *Server) serveFile(w http.ResponseWriter, r *http.Request, name, full string, info os.FileInfo) {
	w.Header().Set("Content-Type", DetectContentType(name, full))

	if len(s.inject) > 0 && strings.EqualFold(path.Ext(name), ".html") {
		data, err := os.ReadFile(full)
		if err != nil {
			s.fail(w, name, err)
			return
		}
		http.ServeContent(w, r, name, info.ModTime(), bytes.NewReader(injectBeforeBody(data, s.inject)))
		return
	}

	f, err := os.Open(full)
	if err != nil {
		s.fail(w, name, err)
		return
	}
	defer f.Close()

	http.ServeContent(w, r, name, info.ModTime(), f)
}

func (s *Server) serveAsset(w http.ResponseWriter, r *http.Request, name string, data []byte) {
	if ct, ok := ContentTypeFor(name); ok {
		w.Header().Set("Content-Type", ct)
	}
	http.ServeContent(w, r, name, s.loadedAt, bytes.NewReader(data))
}

func (s *Server) recordView(r *http.Request, route string) {
	if s.metrics != nil {
		s.metrics.PageViews.WithLabelValues(route).Inc()
	}
	if s.recorder == nil || r.Method != http.MethodGet {
		return
	}
	if err := s.recorder.RecordPageView(r.Context(), r, route); err != nil {
		s.logger.Warn("failed to record page view", zap.String("route", route), zap.Error(err))
	}
}

func (s *Server) fail(w http.ResponseWriter, name string, err error) {
	s.logger.Error("failed to serve file", zap.String("file", name), zap.Error(err))
	http.Error(w, "Internal Server Error", http.StatusInternalServerError)
}

var notFoundPage = template.Must(template.New("404").Parse(`<!DOCTYPE html>
<html>
<head>
    <title>404 - Page Not Found</title>
    <meta charset="UTF-8">
</head>
<body>
    <h1>404 - Page Not Found</h1>
    <p>The requested file <strong>{{.}}</strong> was not found.</p>
    <p><a href="/">Go back to home</a></p>
</body>
</html>
`))

// NotFound writes the 404 page naming the requested path.
func (s *Server) NotFound(w http.ResponseWriter, r *http.Request) {
	uri := r.URL.RequestURI()
	s.logger.Info("404 - File not found", zap.String("url", uri))
	if s.metrics != nil {
		s.metrics.NotFound.Inc()
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusNotFound)
	if err := notFoundPage.Execute(w, uri); err != nil {
		s.logger.Error("failed to render 404 page", zap.Error(err))
	}
}

func hasHiddenSegment(urlPath string) bool {
	for _, part := range strings.Split(urlPath, "/") {
		if strings.HasPrefix(part, ".") {
			return true
		}
	}
	return false
}

func injectBeforeBody(page, snippet []byte) []byte {
	idx := bytes.LastIndex(bytes.ToLower(page), []byte("</body>"))
	if idx == -1 {
		return append(append([]byte{}, page...), snippet...)
	}
	out := make([]byte, 0, len(page)+len(snippet))
	out = append(out, page[:idx]...)
	out = append(out, snippet...)
	out = append(out, page[idx:]...)
	return out
}
