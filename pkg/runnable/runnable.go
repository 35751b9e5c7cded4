package runnable

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/moosh3/mindloom/pkg/types"
)

// Chunk is one piece of streamed output. A Chunk with Err set reports the
// failure that ended the stream; no further chunks follow it.
type Chunk struct {
	Payload json.RawMessage
	Err     error
}

// Runnable executes one run as a lazy stream of output chunks. Run returns
// quickly; output arrives on the channel, which closes when the stream is
// exhausted. Implementations stop producing when ctx is cancelled.
type Runnable interface {
	Run(ctx context.Context, input map[string]any) (<-chan Chunk, error)
}

// Resolver turns a runnable reference into something executable. Resolution
// of real agent and team configurations is the host deployment's concern;
// it plugs its own Resolver into the worker harness.
type Resolver interface {
	Resolve(ctx context.Context, kind types.RunnableKind, id string) (Runnable, error)
}

// EngineResolver resolves every reference to one built-in engine selected by
// name. It backs development and smoke-test deployments.
type EngineResolver struct {
	engine string
}

// NewEngineResolver selects a built-in engine; empty means echo.
func NewEngineResolver(engine string) *EngineResolver {
	return &EngineResolver{engine: engine}
}

func (r *EngineResolver) Resolve(ctx context.Context, kind types.RunnableKind, id string) (Runnable, error) {
	switch r.engine {
	case "", "echo":
		return &Echo{}, nil
	default:
		return nil, fmt.Errorf("unknown engine %q", r.engine)
	}
}
