package http

import (
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"
)

// FileHandler serves static files from the pki-validation and downloads
// directories with path-containment checks.
type FileHandler struct {
	wellKnownDir string
	downloadsDir string
	logger       *slog.Logger
}

// NewFileHandler creates a static file handler.
func NewFileHandler(wellKnownDir, downloadsDir string, logger *slog.Logger) *FileHandler {
	return &FileHandler{
		wellKnownDir: wellKnownDir,
		downloadsDir: downloadsDir,
		logger:       logger.With(slog.String("handler", "files")),
	}
}

// WellKnown handles GET /.well-known/pki-validation/{file}: serves
// certificate validation files.
func (h *FileHandler) WellKnown(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, h.wellKnownDir, false)
}

// Download handles GET /downloads/{file}: serves downloadable files with
// attachment disposition.
func (h *FileHandler) Download(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, h.downloadsDir, true)
}

// serve resolves the requested name inside base and refuses anything
// whose resolved absolute path escapes the base directory. A traversal
// attempt is 403, a missing file 404.
func (h *FileHandler) serve(w http.ResponseWriter, r *http.Request, base string, asAttachment bool) {
	name := chi.URLParam(r, "*")

	resolved, ok := safeJoin(base, name)
	if !ok {
		h.logger.WarnContext(r.Context(), "path traversal attempt rejected",
			slog.String("base", base),
			slog.String("requested", name))
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	info, err := os.Stat(resolved)
	if err != nil || info.IsDir() {
		http.NotFound(w, r)
		return
	}

	if asAttachment {
		w.Header().Set("Content-Disposition", "attachment; filename=\""+filepath.Base(resolved)+"\"")
	}
	http.ServeFile(w, r, resolved)
}

// safeJoin joins name onto base and verifies the result stays within
// base after resolving symlinks.
func safeJoin(base, name string) (string, bool) {
	absBase, err := filepath.Abs(base)
	if err != nil {
		return "", false
	}
	joined := filepath.Join(absBase, filepath.FromSlash(name))

	resolved := joined
	if real, err := filepath.EvalSymlinks(joined); err == nil {
		resolved = real
	}
	realBase := absBase
	if rb, err := filepath.EvalSymlinks(absBase); err == nil {
		realBase = rb
	}

	rel, err := filepath.Rel(realBase, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return joined, true
}
