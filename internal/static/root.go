// Package static serves files from a document root in fixed-size chunks,
// reading from disk only as fast as the transport drains.
package static

import (
	"errors"
	"fmt"
	"net/url"
	"path"
	"path/filepath"
	"strings"
)

// ErrOutsideRoot is returned for request paths that would escape the root.
var ErrOutsideRoot = errors.New("static: path escapes document root")

// ErrBadEscape is returned for request paths with malformed percent-encoding.
var ErrBadEscape = errors.New("static: malformed percent-encoding in path")

// Root is a canonical document root directory.
type Root struct {
	dir string
}

// NewRoot returns a root for dir, made absolute.
func NewRoot(dir string) (Root, error) {
	if dir == "" {
		return Root{}, errors.New("static: empty document root")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return Root{}, fmt.Errorf("static: resolve root %q: %w", dir, err)
	}
	return Root{dir: filepath.Clean(abs)}, nil
}

// Dir returns the absolute root directory.
func (r Root) Dir() string { return r.dir }

// Resolve maps a URL path (query allowed) to a file path confined to the
// root. The path is percent-decoded first; dot segments, NUL bytes and
// backslashes in the decoded path are rejected rather than cleaned away.
func (r Root) Resolve(urlPath string) (string, error) {
	if r.dir == "" {
		return "", ErrOutsideRoot
	}
	if i := strings.IndexAny(urlPath, "?#"); i >= 0 {
		urlPath = urlPath[:i]
	}
	decoded, err := url.PathUnescape(urlPath)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrBadEscape, urlPath)
	}
	rel := strings.TrimPrefix(decoded, "/")
	if strings.IndexByte(rel, 0) != -1 || strings.Contains(rel, "\\") || strings.HasPrefix(rel, "/") {
		return "", ErrOutsideRoot
	}
	for _, seg := range strings.Split(rel, "/") {
		if seg == "." || seg == ".." {
			return "", ErrOutsideRoot
		}
	}
	clean := path.Clean("/" + rel)
	full := filepath.Join(r.dir, filepath.FromSlash(clean))
	within, err := filepath.Rel(r.dir, full)
	if err != nil || within == ".." || strings.HasPrefix(within, ".."+string(filepath.Separator)) {
		return "", ErrOutsideRoot
	}
	return full, nil
}
