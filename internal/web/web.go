package web

import (
    "encoding/json"
    "net/http"
    "os"
    "path"
    "path/filepath"
    "strings"

    "github.com/rs/zerolog/log"
)

// Web serves the compiled front end. Unknown paths get index.html so the
// client side router can handle them.
type Web struct {
    dir string
    fs  http.Handler
}

func New(dir string) *Web {
    if _, err := os.Stat(filepath.Join(dir, "index.html")); err != nil {
        log.Warn().Str("dir", dir).Msg("front end not found; only the API will be served")
    }
    return &Web{dir: dir, fs: http.FileServer(http.Dir(dir))}
}

// RegisterRoutes takes the catch-all pattern. It has no method so it does
// not conflict with the method-qualified API patterns.
func (w *Web) RegisterRoutes(mux *http.ServeMux) {
    mux.Handle("/", w)
}

func (w *Web) ServeHTTP(wr http.ResponseWriter, r *http.Request) {
    if r.URL.Path == "/api" || strings.HasPrefix(r.URL.Path, "/api/") {
        wr.Header().Set("Content-Type", "application/json")
        wr.WriteHeader(http.StatusNotFound)
        _ = json.NewEncoder(wr).Encode(map[string]string{"error": "not found"})
        return
    }
    if r.Method != http.MethodGet && r.Method != http.MethodHead {
        wr.Header().Set("Allow", "GET, HEAD")
        http.Error(wr, "method not allowed", http.StatusMethodNotAllowed)
        return
    }

    name := path.Clean("/" + r.URL.Path)
    if name != "/" {
        fi, err := os.Stat(filepath.Join(w.dir, filepath.FromSlash(name)))
        if err == nil && !fi.IsDir() {
            // hashed bundles never change under the same name
            if strings.HasPrefix(name, "/assets/") {
                wr.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
            }
            w.fs.ServeHTTP(wr, r)
            return
        }
    }
    w.serveIndex(wr, r)
}

func (w *Web) serveIndex(wr http.ResponseWriter, r *http.Request) {
    index := filepath.Join(w.dir, "index.html")
    if _, err := os.Stat(index); err != nil {
        http.Error(wr, "front end not built", http.StatusNotFound)
        return
    }
    wr.Header().Set("Cache-Control", "no-cache")
    http.ServeFile(wr, r, index)
}
