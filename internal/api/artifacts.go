package api

import (
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// artifactFiles serves blobs written by the file backend under
// /artifacts/{path...}. Directories and hidden files are not served.
func artifactFiles(root string) http.Handler {
	files := http.FileServer(http.Dir(root))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rel := path.Clean("/" + r.PathValue("path"))
		for _, seg := range strings.Split(rel, "/") {
			if strings.HasPrefix(seg, ".") {
				http.NotFound(w, r)
				return
			}
		}
		info, err := os.Stat(filepath.Join(root, filepath.FromSlash(rel)))
		if err != nil || info.IsDir() {
			http.NotFound(w, r)
			return
		}

		w.Header().Set("X-Content-Type-Options", "nosniff")
		r2 := r.Clone(r.Context())
		r2.URL.Path = rel
		r2.URL.RawPath = ""
		files.ServeHTTP(w, r2)
	})
}
