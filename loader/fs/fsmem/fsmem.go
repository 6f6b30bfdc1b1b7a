package fsmem

import (
	"io"
	"strings"

	"kboot/loader"
	"kboot/loader/fs"
)

// FS is a path-to-contents in-memory filesystem. The orchestrator tests and
// the config include tests run against it; it honours the same handle
// contract as the real filesystem drivers, including reference counting, so
// handle leaks in the core show up as test failures.
type FS struct {
	label string
	files map[string][]byte

	// open counts the outstanding handle references.
	open int
}

// New returns an FS serving the given files. Keys are absolute paths using
// '/' separators, e.g. "/boot/kboot.cfg".
func New(label string, files map[string][]byte) *FS {
	fsys := &FS{label: label, files: map[string][]byte{}}
	for path, data := range files {
		fsys.files[normalize(path)] = data
	}

	return fsys
}

// Label returns the volume label.
func (f *FS) Label() string {
	return f.label
}

// OpenCount returns the number of outstanding handles. It is zero when every
// opened handle has been closed.
func (f *FS) OpenCount() int {
	return f.open
}

// Open implements fs.Mount.
func (f *FS) Open(path string, from fs.Handle) (fs.Handle, *loader.Error) {
	if !strings.HasPrefix(path, "/") {
		base := "/"
		if fromHandle, ok := from.(*handle); ok && fromHandle.dir {
			base = fromHandle.path
		}
		path = base + "/" + path
	}
	path = normalize(path)

	if data, ok := f.files[path]; ok {
		f.open++
		return &handle{fsys: f, path: path, data: data}, nil
	}

	if f.isDir(path) {
		f.open++
		return &handle{fsys: f, path: path, dir: true}, nil
	}

	return nil, loader.ErrNotFound
}

// isDir reports whether path is an implied directory: the root, or a prefix
// of some file path.
func (f *FS) isDir(path string) bool {
	if path == "/" {
		return true
	}

	for file := range f.files {
		if strings.HasPrefix(file, path+"/") {
			return true
		}
	}

	return false
}

func normalize(path string) string {
	parts := strings.Split(path, "/")
	var clean []string
	for _, p := range parts {
		switch p {
		case "", ".":
		case "..":
			if len(clean) > 0 {
				clean = clean[:len(clean)-1]
			}
		default:
			clean = append(clean, p)
		}
	}

	return "/" + strings.Join(clean, "/")
}

type handle struct {
	fsys   *FS
	path   string
	data   []byte
	dir    bool
	closed bool
}

// ReadAt implements fs.Handle.
func (h *handle) ReadAt(p []byte, off int64) (int, error) {
	if h.dir {
		return 0, loader.ErrInvalidArgument
	}
	if off >= int64(len(h.data)) {
		return 0, io.EOF
	}

	n := copy(p, h.data[off:])
	if n < len(p) {
		return n, io.EOF
	}

	return n, nil
}

// Size implements fs.Handle.
func (h *handle) Size() uint64 {
	return uint64(len(h.data))
}

// IsDir implements fs.Handle.
func (h *handle) IsDir() bool {
	return h.dir
}

// Iterate implements fs.Handle.
func (h *handle) Iterate(cb func(name string) bool) *loader.Error {
	if !h.dir {
		return loader.ErrInvalidArgument
	}

	prefix := h.path
	if prefix != "/" {
		prefix += "/"
	} else {
		prefix = "/"
	}

	seen := map[string]bool{}
	for file := range h.fsys.files {
		if !strings.HasPrefix(file, prefix) {
			continue
		}

		name := strings.SplitN(file[len(prefix):], "/", 2)[0]
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true

		if !cb(name) {
			break
		}
	}

	return nil
}

// Close implements fs.Handle. Closing twice is a programmer error.
func (h *handle) Close() {
	if h.closed {
		panic("fsmem: handle closed twice")
	}

	h.closed = true
	h.fsys.open--
}
