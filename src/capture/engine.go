package capture

import "context"

// Engine performs the actual pixel capture into a target file path.
type Engine interface {
	Name() string
	// Available probes the engine. The probe may have side effects (spawning
	// a helper process) and retains no state.
	Available(ctx context.Context) bool
	// Capture writes a PNG image to target.
	Capture(ctx context.Context, target string) error
}

// Reasoner is implemented by engines that can explain why they are unavailable.
// Reason returns nil when the engine is available.
type Reasoner interface {
	Reason(ctx context.Context) *Error
}

// Persister stores encoded image bytes at a path.
type Persister interface {
	Write(path string, data []byte) error
}

// Probe checks an engine, preferring its specific reason when it has one.
func Probe(ctx context.Context, e Engine) *Error {
	if r, ok := e.(Reasoner); ok {
		return r.Reason(ctx)
	}
	if e.Available(ctx) {
		return nil
	}
	return Newf(EngineUnavailable, "%s capture unavailable", e.Name())
}
