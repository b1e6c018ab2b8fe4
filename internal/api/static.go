package api

import (
	"crypto/sha256"
	"encoding/hex"
	"io/fs"
	"log/slog"
	"net/http"
	"strings"
)

// StaticAssets serves the embedded status page assets with content-hash
// cache busting: a request carrying ?v=<hash> that matches the file is
// cached as immutable.
type StaticAssets struct {
	files  fs.FS
	hashes map[string]string // "/js/session.js" -> content hash
}

// NewStaticAssets hashes every file in files.
func NewStaticAssets(files fs.FS, logger *slog.Logger) *StaticAssets {
	sa := &StaticAssets{files: files, hashes: make(map[string]string)}

	_ = fs.WalkDir(files, ".", func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		data, err := fs.ReadFile(files, path)
		if err != nil {
			logger.Warn("failed to hash static file", "path", path, "error", err)
			return nil
		}
		h := sha256.Sum256(data)
		sa.hashes["/"+path] = hex.EncodeToString(h[:])
		return nil
	})

	logger.Info("static assets loaded", slog.Int("files", len(sa.hashes)))
	return sa
}

// Path returns a cache-busted URL for a static file relative to the page.
// Example: Path("/js/session.js") returns "static/js/session.js?v=a1b2c3d4e5f6"
func (sa *StaticAssets) Path(filePath string) string {
	hash, ok := sa.hashes[filePath]
	if !ok {
		return "static" + filePath
	}
	return "static" + filePath + "?v=" + hash[:12]
}

// Handler returns an HTTP handler that serves static files with appropriate cache headers.
func (sa *StaticAssets) Handler(basePath string) http.Handler {
	stripped := http.StripPrefix(basePath+"/static/", http.FileServerFS(sa.files))

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if v := r.URL.Query().Get("v"); v != "" {
			rel := strings.TrimPrefix(r.URL.Path, basePath+"/static")
			if expected, ok := sa.hashes[rel]; ok && strings.HasPrefix(expected, v) {
				w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
			} else {
				w.Header().Set("Cache-Control", "public, max-age=3600")
			}
		} else {
			w.Header().Set("Cache-Control", "public, max-age=300")
		}
		stripped.ServeHTTP(w, r)
	})
}

// handleIndex serves the status page with asset URLs rewritten to their
// cache-busted form.
func (r *Router) handleIndex(w http.ResponseWriter, req *http.Request) {
	page, err := fs.ReadFile(r.staticAssets.files, "index.html")
	if err != nil {
		http.NotFound(w, req)
		return
	}
	body := strings.NewReplacer(
		`src="static/js/session.js"`, `src="`+r.staticAssets.Path("/js/session.js")+`"`,
		`href="static/css/app.css"`, `href="`+r.staticAssets.Path("/css/app.css")+`"`,
	).Replace(string(page))

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Write([]byte(body)) //nolint:errcheck,gosec
}
