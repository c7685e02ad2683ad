package server

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
)

// mimeTypes is the fixed extension table for static responses. Anything not
// listed is served as application/octet-stream.
var mimeTypes = map[string]string{
	".html": "text/html; charset=utf-8",
	".css":  "text/css; charset=utf-8",
	".js":   "text/javascript; charset=utf-8",
	".json": "application/json",
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".gif":  "image/gif",
	".svg":  "image/svg+xml",
	".ico":  "image/x-icon",
	".txt":  "text/plain; charset=utf-8",
	".md":   "text/markdown; charset=utf-8",
	".wasm": "application/wasm",
}

// staticHandler serves files out of a public directory. "/" maps to
// index.html; any ".." path segment is refused before the filesystem is
// touched. Responses carry deterministic Content-Type and Content-Length
// and no caching headers.
type staticHandler struct {
	root string
	log  logrus.FieldLogger
}

func newStaticHandler(root string, log logrus.FieldLogger) *staticHandler {
	return &staticHandler{root: root, log: log.WithField("component", "static")}
}

func (h *staticHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	path := r.URL.Path
	for _, seg := range strings.Split(path, "/") {
		if seg == ".." {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
	}

	if path == "/" {
		path = "/index.html"
	}
	full := filepath.Join(h.root, filepath.FromSlash(strings.TrimPrefix(path, "/")))

	info, err := os.Stat(full)
	if err != nil || info.IsDir() {
		http.NotFound(w, r)
		return
	}
	data, err := os.ReadFile(full)
	if err != nil {
		h.log.WithError(err).WithField("path", full).Debug("static read failed")
		http.NotFound(w, r)
		return
	}

	ctype, ok := mimeTypes[strings.ToLower(filepath.Ext(full))]
	if !ok {
		ctype = "application/octet-stream"
	}
	w.Header().Set("Content-Type", ctype)
	w.Header().Set("Content-Length", fmt.Sprintf("%d", len(data)))
	if r.Method == http.MethodHead {
		return
	}
	w.Write(data)
}
