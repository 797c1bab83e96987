// Package static serves files for paths the resource bridge does not own.
//
// Files come from one or more fs.FS sources, each mounted under a URL
// prefix. Sources are consulted in the order they were added: when two
// sources provide the same path the earlier one wins, so a public
// directory can shadow a bundled library directory.
//
// Responses carry an ETag derived from the file contents (FNV-1a).
// Requests with a ?v= query are treated as versioned and cached for a year.
// In dev mode nothing is cached and the sources are re-read per request.
//
// Example usage:
//
//	mgr, err := static.New(
//	    static.WithDir("/", "./public"),
//	    static.WithFS("/", libraryFS),
//	)
//	bridge, err := resource.New(broker, store, resource.WithStatic(mgr))
package static

import (
	"bytes"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"io/fs"
	"mime"
	"net/http"
	"os"
	"path"
	"strings"
	"sync"
	"time"
)

// ErrNoSources is returned by New when no source was configured.
var ErrNoSources = errors.New("static: at least one source is required")

// File is a servable file and its metadata.
type File struct {
	// Path is the URL path of the file (e.g., "/js/app.js").
	Path string

	// Hash is the FNV-1a hash of the file contents (hex encoded).
	Hash string

	// ContentType is the MIME type of the file.
	ContentType string

	// Size is the file size in bytes.
	Size int64

	fsys   fs.FS
	fsPath string
}

// source is a filesystem mounted under a URL prefix.
type source struct {
	prefix string
	fsys   fs.FS
}

// Manager serves files from its sources.
type Manager struct {
	mu      sync.RWMutex
	files   map[string]*File
	sources []source

	devMode    bool
	devModeSet bool
	envVar     string
	showHidden bool
}

// Option configures a Manager.
type Option func(*Manager) error

// WithFS mounts fsys under prefix. Files are served at prefix + file path.
//
//	WithFS("/", publicFS)        // /index.html
//	WithFS("/vendor", vendorFS)  // /vendor/mqtt.js
func WithFS(prefix string, fsys fs.FS) Option {
	return func(m *Manager) error {
		if fsys == nil {
			return fmt.Errorf("static: nil filesystem for prefix %q", prefix)
		}
		m.sources = append(m.sources, source{prefix: cleanPrefix(prefix), fsys: fsys})
		return nil
	}
}

// WithDir mounts the directory dir under prefix.
func WithDir(prefix, dir string) Option {
	return func(m *Manager) error {
		info, err := os.Stat(dir)
		if err != nil {
			return fmt.Errorf("static: %w", err)
		}
		if !info.IsDir() {
			return fmt.Errorf("static: %s is not a directory", dir)
		}
		return WithFS(prefix, os.DirFS(dir))(m)
	}
}

// WithHidden serves files whose name starts with a dot.
func WithHidden(show bool) Option {
	return func(m *Manager) error {
		m.showHidden = show
		return nil
	}
}

// WithDevMode explicitly enables or disables development mode.
// In dev mode no caching headers are sent and the sources are walked again
// on each request.
//
// If not set, dev mode is enabled unless APP_ENV is "production".
func WithDevMode(enabled bool) Option {
	return func(m *Manager) error {
		m.devMode = enabled
		m.devModeSet = true
		return nil
	}
}

// WithEnvVar sets the environment variable used to detect dev mode.
// Default: "APP_ENV"
func WithEnvVar(name string) Option {
	return func(m *Manager) error {
		m.envVar = name
		return nil
	}
}

// New creates a Manager and indexes every source.
func New(opts ...Option) (*Manager, error) {
	m := &Manager{
		files:  make(map[string]*File),
		envVar: "APP_ENV",
	}

	for _, opt := range opts {
		if err := opt(m); err != nil {
			return nil, err
		}
	}

	if len(m.sources) == 0 {
		return nil, ErrNoSources
	}

	if !m.devModeSet {
		m.devMode = os.Getenv(m.envVar) != "production"
	}

	if err := m.Reload(); err != nil {
		return nil, err
	}
	return m, nil
}

func cleanPrefix(prefix string) string {
	if !strings.HasPrefix(prefix, "/") {
		prefix = "/" + prefix
	}
	return strings.TrimSuffix(prefix, "/")
}

// Reload walks every source again.
func (m *Manager) Reload() error {
	files := make(map[string]*File)

	for _, src := range m.sources {
		if err := m.walk(src, files); err != nil {
			return fmt.Errorf("static: walking %q: %w", src.prefix+"/", err)
		}
	}

	m.mu.Lock()
	m.files = files
	m.mu.Unlock()
	return nil
}

func (m *Manager) walk(src source, files map[string]*File) error {
	return fs.WalkDir(src.fsys, ".", func(filePath string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		hidden := filePath != "." && strings.HasPrefix(d.Name(), ".")
		if d.IsDir() {
			if hidden && !m.showHidden {
				return fs.SkipDir
			}
			return nil
		}
		if hidden && !m.showHidden {
			return nil
		}

		urlPath := path.Clean(src.prefix + "/" + filePath)

		// Earlier sources shadow later ones.
		if _, ok := files[urlPath]; ok {
			return nil
		}

		content, err := fs.ReadFile(src.fsys, filePath)
		if err != nil {
			return fmt.Errorf("reading %s: %w", filePath, err)
		}

		contentType := mime.TypeByExtension(path.Ext(filePath))
		if contentType == "" {
			contentType = http.DetectContentType(content)
		}

		files[urlPath] = &File{
			Path:        urlPath,
			Hash:        hashContent(content),
			ContentType: contentType,
			Size:        int64(len(content)),
			fsys:        src.fsys,
			fsPath:      filePath,
		}
		return nil
	})
}

// hashContent computes a hex-encoded FNV-1a hash of the content.
func hashContent(content []byte) string {
	h := fnv.New64a()
	h.Write(content)
	return fmt.Sprintf("%x", h.Sum64())
}

// Lookup returns the file served at urlPath, or nil.
func (m *Manager) Lookup(urlPath string) *File {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.files[path.Clean("/"+urlPath)]
}

// ServeHTTP implements http.Handler. Directories are never listed.
//
// For versioned requests (containing ?v=):
//   - Cache-Control: public, max-age=31536000, immutable
//
// Otherwise:
//   - Cache-Control: no-cache
//   - ETag: based on content hash
func (m *Manager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}

	if m.devMode {
		if err := m.Reload(); err != nil {
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}
	}

	file := m.Lookup(r.URL.Path)
	if file == nil {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}

	if !m.devMode {
		if r.URL.Query().Has("v") {
			w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
		} else {
			w.Header().Set("Cache-Control", "no-cache")
			w.Header().Set("ETag", `"`+file.Hash+`"`)
		}
	}
	w.Header().Set("Content-Type", file.ContentType)

	f, err := file.fsys.Open(file.fsPath)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	defer f.Close()

	modTime := time.Time{}
	if stat, err := f.Stat(); err == nil {
		modTime = stat.ModTime()
	}

	// ServeContent handles Range and conditional requests.
	if seeker, ok := f.(io.ReadSeeker); ok {
		http.ServeContent(w, r, file.Path, modTime, seeker)
		return
	}

	content, err := io.ReadAll(f)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	http.ServeContent(w, r, file.Path, modTime, bytes.NewReader(content))
}
