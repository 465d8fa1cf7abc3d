// Package push turns Link response headers into resources an HTTP/2
// connection can promise ahead of the primary response.
package push

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"go.uber.org/zap"

	"github.com/albertbausili/velox/internal/static"
)

// DefaultMaxSize caps a single pushed resource.
const DefaultMaxSize = 1 << 20

// ErrTooLarge is returned for resources above the resolver's size cap.
var ErrTooLarge = errors.New("push: resource too large")

// Link is one target of a Link header.
type Link struct {
	Target string
	Params []string
	NoPush bool
}

// ParseLinks extracts angle-bracket targets from Link header values. Text
// after ';' is kept as parameters; a nopush parameter marks the target as
// not pushable.
func ParseLinks(values ...string) []Link {
	var links []Link
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			part = strings.TrimSpace(part)
			if !strings.HasPrefix(part, "<") {
				continue
			}
			end := strings.IndexByte(part, '>')
			if end <= 1 {
				continue
			}
			l := Link{Target: strings.TrimSpace(part[1:end])}
			for _, p := range strings.Split(part[end+1:], ";") {
				p = strings.TrimSpace(p)
				if p == "" {
					continue
				}
				l.Params = append(l.Params, p)
				if strings.EqualFold(p, "nopush") {
					l.NoPush = true
				}
			}
			links = append(links, l)
		}
	}
	return links
}

// Candidate is a resolved pushed resource.
type Candidate struct {
	Path        string
	ContentType string
	Body        []byte
	StreamID    uint32
}

// Resolver reads link targets from the document root.
type Resolver struct {
	root    static.Root
	maxSize int64
	logger  *zap.Logger
}

// NewResolver returns a resolver confined to root.
func NewResolver(root static.Root, maxSize int64, logger *zap.Logger) *Resolver {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{root: root, maxSize: maxSize, logger: logger}
}

// Resolve reads every pushable link. Relative targets are taken relative
// to base, the path of the request being answered. It blocks on disk and
// must run off the event loop. Unreadable targets are logged and skipped;
// order and first occurrence are preserved.
func (r *Resolver) Resolve(base string, links []Link) []Candidate {
	var out []Candidate
	seen := make(map[string]bool, len(links))
	for _, l := range links {
		if l.NoPush {
			continue
		}
		target, ok := localTarget(base, l.Target)
		if !ok {
			r.logger.Debug("push target is not a local path", zap.String("target", l.Target))
			continue
		}
		if seen[target] {
			continue
		}
		seen[target] = true
		c, err := r.load(target)
		if err != nil {
			r.logger.Warn("push target skipped", zap.String("target", target), zap.Error(err))
			continue
		}
		out = append(out, c)
	}
	return out
}

// localTarget maps a link target to an absolute request path on this
// server. Absolute URLs and network-path references are not local.
func localTarget(base, target string) (string, bool) {
	if target == "" || strings.HasPrefix(target, "//") {
		return "", false
	}
	if target[0] == '/' {
		return target, true
	}
	if i := strings.IndexAny(target, ":/?#"); i >= 0 && target[i] == ':' {
		return "", false
	}
	rel, suffix := target, ""
	if i := strings.IndexAny(target, "?#"); i >= 0 {
		rel, suffix = target[:i], target[i:]
	}
	if rel == "" {
		return "", false
	}
	if base == "" || base[0] != '/' {
		base = "/"
	}
	return path.Join(path.Dir(base), rel) + suffix, true
}

func (r *Resolver) load(target string) (Candidate, error) {
	name, err := r.root.Resolve(target)
	if err != nil {
		return Candidate{}, err
	}
	f, err := os.Open(name)
	if err != nil {
		return Candidate{}, err
	}
	defer func() { _ = f.Close() }()
	info, err := f.Stat()
	if err != nil {
		return Candidate{}, err
	}
	if info.IsDir() {
		return Candidate{}, fmt.Errorf("push: %s is a directory", target)
	}
	if info.Size() > r.maxSize {
		return Candidate{}, fmt.Errorf("%w: %s is %d bytes", ErrTooLarge, target, info.Size())
	}
	body, err := io.ReadAll(io.LimitReader(f, r.maxSize))
	if err != nil {
		return Candidate{}, err
	}
	name = target
	if i := strings.IndexAny(name, "?#"); i >= 0 {
		name = name[:i]
	}
	return Candidate{
		Path:        target,
		ContentType: static.ContentType(name, body),
		Body:        body,
	}, nil
}
