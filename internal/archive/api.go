// Package archive models the remote archive the pipeline talks to. The
// archive presents plain CRUD over named resource collections plus an
// opaque byte-transfer collaborator; everything the pipeline needs is
// captured in small interfaces so tests can substitute deterministic fakes.
package archive

import (
	"context"
	"errors"
)

// Resource is one remote entity. The archive guarantees at least a unique
// identifier and a name; everything else is collection-specific.
type Resource map[string]any

// UUID returns the server-assigned identifier of the resource.
func (r Resource) UUID() string {
	return r.stringField("uuid")
}

// Name returns the display name of the resource.
func (r Resource) Name() string {
	return r.stringField("name")
}

func (r Resource) stringField(key string) string {
	if v, ok := r[key].(string); ok {
		return v
	}
	return ""
}

// API is the capability surface of one remote collection. Any client
// exposing these four operations is substitutable, which is what makes the
// synchronizer testable without a server.
type API interface {
	List(ctx context.Context, filters map[string]string) ([]Resource, error)
	Create(ctx context.Context, fields map[string]any) (Resource, error)
	Update(ctx context.Context, id string, fields map[string]any) (Resource, error)
	Read(ctx context.Context, id string) (Resource, error)
}

// ProgressFunc receives transfer progress events. percent is in [0, 100].
type ProgressFunc func(event string, percent float64)

// Transfer is one in-flight byte transfer. Start begins the transfer and
// Finish blocks until the server acknowledged (or rejected) it.
type Transfer interface {
	Start(ctx context.Context) error
	Finish(ctx context.Context) (Resource, error)
}

// TransferFactory creates transfers against one target dataset. Create
// registers a brand new remote file; Update re-sends the payload of a file
// resource that exists without backing storage.
type TransferFactory interface {
	Create(ctx context.Context, fields map[string]any, cb ProgressFunc) (Transfer, error)
	Update(ctx context.Context, name string, fields map[string]any, cb ProgressFunc) (Transfer, error)
}

// ErrTimeout marks a request that timed out at the transport level. Such
// calls are retried exactly once before being surfaced.
var ErrTimeout = errors.New("archive request timed out")

// WithRetry runs call, retrying it a single time when it failed on a
// transport timeout. This is the only automatic retry inside one pipeline
// pass; everything else waits for the next observer walk.
func WithRetry[T any](ctx context.Context, call func(context.Context) (T, error)) (T, error) {
	result, err := call(ctx)
	if err != nil && errors.Is(err, ErrTimeout) && ctx.Err() == nil {
		result, err = call(ctx)
	}
	return result, err
}
