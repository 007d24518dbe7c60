package webmonitor

import (
	"net/http"
	"os"
	"path/filepath"
)

// captureHandler serves screenshots and recordings from the capture directory.
// Only plain file names are accepted.
type captureHandler struct {
	dir string
}

func newCaptureHandler(dir string) *captureHandler {
	return &captureHandler{dir: dir}
}

func (h *captureHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	filename := filepath.Base(r.URL.Path)
	if filename != r.URL.Path || filename == "." || filename == "/" {
		http.NotFound(w, r)
		return
	}

	path := filepath.Join(h.dir, filename)
	if !fileExists(path) {
		http.NotFound(w, r)
		return
	}
	http.ServeFile(w, r, path)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !info.IsDir()
}
