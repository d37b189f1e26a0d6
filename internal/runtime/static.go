package runtime

import (
	"errors"
	"io/fs"
	"net/http"
	"os"
	"path"
	"strings"
)

// spaHandler serves the built frontend from dir. Paths that do not name a
// file fall back to index.html so client-side routes resolve. When dir has no
// index.html every request is a 404.
func spaHandler(dir string) http.Handler {
	if !frontendAvailable(dir) {
		return http.NotFoundHandler()
	}
	root := os.DirFS(dir)
	files := http.FileServerFS(root)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			http.NotFound(w, r)
			return
		}
		name := strings.TrimPrefix(path.Clean("/"+r.URL.Path), "/")
		if name == "" {
			files.ServeHTTP(w, r)
			return
		}
		info, err := fs.Stat(root, name)
		if err == nil && !info.IsDir() {
			files.ServeHTTP(w, r)
			return
		}
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		http.ServeFileFS(w, r, root, "index.html")
	})
}

func frontendAvailable(dir string) bool {
	if dir == "" {
		return false
	}
	_, err := fs.Stat(os.DirFS(dir), "index.html")
	return err == nil
}
