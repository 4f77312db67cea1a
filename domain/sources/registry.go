package sources

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/docmesh/docmesh/internal/config"
)

// Registry holds the run's named sources. It is rebuilt from the run
// config at process start; reads vastly outnumber writes.
type Registry struct {
	mu      sync.RWMutex
	sources map[string]Source
	order   []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{sources: make(map[string]Source)}
}

// Register adds a source. Names are unique within a run.
func (r *Registry) Register(src Source) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sources[src.Name()]; exists {
		return fmt.Errorf("source %q already registered", src.Name())
	}
	r.sources[src.Name()] = src
	r.order = append(r.order, src.Name())
	return nil
}

// Get retrieves a source by name.
func (r *Registry) Get(name string) (Source, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	src, ok := r.sources[name]
	return src, ok
}

// Names returns the registered source names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, len(r.order))
	copy(names, r.order)
	return names
}

// All returns the registered sources in registration order, so
// discovery enqueues documents in the order the config lists sources.
func (r *Registry) All() []Source {
	r.mu.RLock()
	defer r.mu.RUnlock()
	srcs := make([]Source, 0, len(r.order))
	for _, name := range r.order {
		srcs = append(srcs, r.sources[name])
	}
	return srcs
}

// ResolveLink maps a link target found in fromDocID to a doc ID. The
// source that owns fromDocID gets first claim (relative links), then
// every other resolving source is tried in registration order
// (absolute URLs may belong to a different http source).
func (r *Registry) ResolveLink(ctx context.Context, fromDocID, target string) (string, bool) {
	owner, _, _ := SplitDocID(fromDocID)

	if src, ok := r.Get(owner); ok {
		if lr, ok := src.(LinkResolver); ok {
			if docID, ok := lr.ResolveLink(ctx, fromDocID, target); ok {
				return docID, true
			}
		}
	}
	for _, src := range r.All() {
		if src.Name() == owner {
			continue
		}
		lr, ok := src.(LinkResolver)
		if !ok {
			continue
		}
		if docID, ok := lr.ResolveLink(ctx, fromDocID, target); ok {
			return docID, true
		}
	}
	return "", false
}

// BuildRegistry constructs every source named in the run config. The S3
// client is created once and shared across s3 sources; credentials come
// from the environment, bucket and prefix from the run config.
func BuildRegistry(rc *config.RunConfig, cfg *config.Config, log *slog.Logger) (*Registry, error) {
	reg := NewRegistry()
	var s3c *s3.Client

	for i := range rc.ContentSources {
		spec := &rc.ContentSources[i]

		var (
			src Source
			err error
		)
		switch spec.Type {
		case config.SourceFilesystem:
			src, err = NewFilesystem(spec, log)
		case config.SourceS3:
			if s3c == nil {
				s3c, err = NewS3Client(context.Background(), &cfg.Storage)
				if err != nil {
					return nil, fmt.Errorf("source %q: %w", spec.Name, err)
				}
			}
			src = NewS3(spec, s3c, log)
		case config.SourceHTTP:
			src, err = NewHTTP(spec, log)
		default:
			// RunConfig validation rejects unknown types before we get here.
			err = fmt.Errorf("unknown source type %q", spec.Type)
		}
		if err != nil {
			return nil, fmt.Errorf("source %q: %w", spec.Name, err)
		}
		if err := reg.Register(src); err != nil {
			return nil, err
		}
	}
	return reg, nil
}
