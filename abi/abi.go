// Package abi defines the stable, byte-level contract between the toolhost
// runtime and the independently-compiled tool libraries it loads. The types
// in this package are deliberately flat and allocation-cheap so that an
// implementation backed by a WebAssembly module (see internal/toolhost/wasmabi)
// can marshal them across a guest memory boundary without leaking host
// language types into the contract.
package abi

import "context"

// ResultKind is the discriminant of a CallResult.
type ResultKind int

const (
	// ResultOk indicates the call succeeded; Output carries a JSON payload.
	ResultOk ResultKind = iota
	// ResultError indicates the tool returned a structured error; Output
	// carries a UTF-8 error message.
	ResultError
	// ResultPanicTrapped indicates the tool's call entrypoint aborted and the
	// host caught the trap at the ABI boundary.
	ResultPanicTrapped
	// ResultInvalidInput indicates the tool rejected its input before doing
	// any work.
	ResultInvalidInput
	// ResultUnavailable indicates the tool cannot currently service calls.
	ResultUnavailable
)

func (k ResultKind) String() string {
	switch k {
	case ResultOk:
		return "Ok"
	case ResultError:
		return "Error"
	case ResultPanicTrapped:
		return "PanicTrapped"
	case ResultInvalidInput:
		return "InvalidInput"
	case ResultUnavailable:
		return "Unavailable"
	default:
		return "Unknown"
	}
}

// CallResult is the tagged record a tool's call entrypoint returns. Output
// carries a JSON-encoded payload when Kind is ResultOk, and a UTF-8 error
// message for every other kind. Ownership of Output is transferred to the
// host; callers must not retain the backing array past the call.
type CallResult struct {
	Kind   ResultKind
	Output []byte
}

// CallContext carries per-request metadata and credentials across the ABI
// boundary. All byte slices are valid only for the duration of a single
// call; implementations must copy anything they need to retain.
type CallContext struct {
	RequestID string
	SessionID string
	UserID    string

	// UserCredentials is the host's serialization of the caller-supplied
	// credential map (credential name -> field map), opaque to the tool.
	UserCredentials []byte

	// SystemCredentials is the tool's own bound credentials, serialized once
	// at load time (see ToolDescriptor / Handle construction).
	SystemCredentials []byte
}

// ToolDescriptor is one callable function exposed by a loaded library, as
// reported by the library's discovery entrypoint.
type ToolDescriptor struct {
	FunctionName string
	DisplayName  string
	Description  string
	InputSchema  string
	OutputSchema string
	Capabilities []string
	Tags         []string

	// Embedding is the tool's precomputed embedding vector, if the library
	// supplied one. Nil means no embedding; the semantic index falls back to
	// lexical matching for this tool.
	Embedding []float32
}

// LibraryDescriptor is the full record a library's discovery entrypoint
// returns: its identity plus every tool it exposes.
type LibraryDescriptor struct {
	Name    string
	Version string
	Tools   []ToolDescriptor
}

// Library is a loaded tool library: a discovery result plus a live call
// entrypoint. Implementations must keep the underlying code mapped for as
// long as any Call is outstanding and for as long as the Library itself has
// not been closed.
type Library interface {
	// Descriptor returns the library's discovery result, captured once at
	// load time.
	Descriptor() LibraryDescriptor

	// Call invokes the named function's entrypoint. fn is the bare function
	// name (not the qualified id). Call must be safe to invoke concurrently
	// for different fn values and must itself recover from a panic inside
	// the underlying tool, surfacing it as ResultPanicTrapped rather than
	// unwinding into the caller.
	Call(ctx context.Context, fn string, call CallContext, input []byte) CallResult

	// Close releases the library's resources. Close must not be called while
	// any Call is outstanding.
	Close(ctx context.Context) error
}

// Loader opens a tool library from a filesystem path and executes its
// discovery entrypoint once. Implementations: internal/toolhost/wasmabi
// (production, backed by wazero) and fakes used in tests.
type Loader interface {
	Load(ctx context.Context, path string) (Library, error)
}
