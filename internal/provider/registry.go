package provider

import "fmt"

// Factory builds a Provider for one endpoint from its non-secret endpoint
// id, a settings map sourced from the secrets boundary (bot token,
// MTProto api_id/api_hash, session blob — never accepted via argv, never
// logged), and the endpoint's transfer-resume cache: the transport
// records per-object offsets through it so a restarted process resumes
// partial uploads and downloads instead of starting over.
//
// The core never registers a transport itself. A transport links itself
// in by calling Register from its own package's init(), mirroring
// database/sql's driver-registration idiom.
type Factory func(endpointID string, settings map[string]string, resume *ResumeCache) (Provider, error)

var factories = make(map[string]Factory)

// Register adds a named transport factory. Panics on duplicate
// registration under the same name, matching sql.Register's contract.
func Register(name string, f Factory) {
	if _, exists := factories[name]; exists {
		panic(fmt.Sprintf("provider: Register called twice for transport %q", name))
	}
	factories[name] = f
}

// Open builds a Provider using the transport registered under name. It
// returns a plain error (not an *errs.Error) when no transport is linked
// into the running binary, since that is a build-time wiring gap rather
// than a runtime fault any caller could retry around.
func Open(name, endpointID string, settings map[string]string, resume *ResumeCache) (Provider, error) {
	f, ok := factories[name]
	if !ok {
		return nil, fmt.Errorf("provider: no transport registered under %q — this build has no MTProto client linked in", name)
	}
	return f(endpointID, settings, resume)
}
