package server

import (
	"embed"
	"io/fs"
	"net/http"
	"path"
	"strings"

	"github.com/ashita-ai/kansoku/internal/model"
)

//go:embed static
var staticFS embed.FS

// staticHandler serves the embedded dashboard assets under /static/.
type staticHandler struct {
	fs     http.FileSystem
	static http.Handler
}

func newStaticHandler() http.Handler {
	sub, err := fs.Sub(staticFS, "static")
	if err != nil {
		panic(err) // embedded directory is fixed at build time
	}
	httpFS := http.FS(sub)
	return &staticHandler{
		fs:     httpFS,
		static: http.StripPrefix("/static", http.FileServer(httpFS)),
	}
}

func (h *staticHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Clean the path to prevent directory traversal.
	urlPath := path.Clean(strings.TrimPrefix(r.URL.Path, "/static"))
	if urlPath == "." || urlPath == "/" {
		http.NotFound(w, r)
		return
	}

	f, err := h.fs.Open(urlPath)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	stat, err := f.Stat()
	_ = f.Close()
	if err != nil || stat.IsDir() {
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Cache-Control", "public, max-age=3600")
	h.static.ServeHTTP(w, r)
}

// notFoundHandler answers every unmatched path. API paths get the JSON
// error envelope and everything else a plain 404.
func notFoundHandler(w http.ResponseWriter, r *http.Request) {
	if isAPIPath(path.Clean(r.URL.Path)) {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "endpoint not found")
		return
	}
	http.NotFound(w, r)
}

// isAPIPath returns true if the path belongs to a known API prefix.
func isAPIPath(p string) bool {
	return strings.HasPrefix(p, "/v1/") || p == "/mcp"
}
