// Package wasmabi is the production implementation of abi.Loader and
// abi.Library, backed by tetratelabs/wazero. A module is compiled and
// instantiated once at Load time as a long-lived instance; its
// toolhost_discover export is read once, and toolhost_call_* exports are
// invoked once per Library.Call.
//
// Guest contract:
//
//	toolhost_alloc(size uint32) uint32
//	    reserve size bytes of guest memory and return a pointer to it.
//	toolhost_discover() uint64
//	    return a packed (ptr<<32|len) pointing at a JSON-encoded
//	    LibraryDescriptor.
//	toolhost_call_<function>(ctxPtr, ctxLen, inputPtr, inputLen uint32) uint64
//	    return a packed (ptr<<32|len) pointing at a result buffer: one
//	    leading byte holding the ResultKind ordinal, followed by the
//	    output bytes.
//	toolhost_dealloc(ptr, len uint32)
//	    release a buffer previously returned to the host.
package wasmabi

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/toolhost/runtime/abi"
	"github.com/toolhost/runtime/internal/toolhost/toolhosterr"
)

const callFunctionPrefix = "toolhost_call_"

// wireDescriptor mirrors abi.LibraryDescriptor for JSON decoding across the
// guest boundary, kept separate from abi.LibraryDescriptor so the wire shape
// can evolve independently of the host-side type.
type wireDescriptor struct {
	Name    string      `json:"name"`
	Version string      `json:"version"`
	Tools   []wireTool  `json:"tools"`
}

type wireTool struct {
	FunctionName string    `json:"function_name"`
	DisplayName  string    `json:"display_name"`
	Description  string    `json:"description"`
	InputSchema  string    `json:"input_schema"`
	OutputSchema string    `json:"output_schema"`
	Capabilities []string  `json:"capabilities"`
	Tags         []string  `json:"tags"`
	Embedding    []float32 `json:"embedding,omitempty"`
}

// wireCallContext mirrors abi.CallContext for JSON encoding into guest
// memory ahead of a toolhost_call_* invocation.
type wireCallContext struct {
	RequestID         string `json:"request_id"`
	SessionID         string `json:"session_id"`
	UserID            string `json:"user_id"`
	UserCredentials   []byte `json:"user_credentials,omitempty"`
	SystemCredentials []byte `json:"system_credentials,omitempty"`
}

// Loader compiles and instantiates WASM tool libraries under a shared
// wazero.Runtime. Construct one Loader per process; it is safe for
// concurrent use.
type Loader struct {
	runtime wazero.Runtime
}

// New builds a Loader with its own wazero runtime and WASI preview1 host
// module instantiated.
func New(ctx context.Context) (*Loader, error) {
	runtime := wazero.NewRuntime(ctx)
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, runtime); err != nil {
		_ = runtime.Close(ctx)
		return nil, toolhosterr.Wrap(toolhosterr.Internal, "instantiate WASI preview1", err)
	}
	return &Loader{runtime: runtime}, nil
}

// Close tears down the underlying wazero runtime and every module compiled
// from it. Call only after every Library produced by this Loader has been
// closed.
func (l *Loader) Close(ctx context.Context) error {
	return l.runtime.Close(ctx)
}

// Load reads, compiles, and instantiates the WASM module at path, then
// invokes its discovery export exactly once.
func (l *Loader) Load(ctx context.Context, path string) (abi.Library, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, toolhosterr.Wrap(toolhosterr.Io, fmt.Sprintf("read wasm module %q", path), err)
	}

	compiled, err := l.runtime.CompileModule(ctx, data)
	if err != nil {
		return nil, toolhosterr.Wrap(toolhosterr.AbiMismatch, fmt.Sprintf("compile wasm module %q", path), err)
	}

	config := wazero.NewModuleConfig().
		WithStdout(os.Stdout).
		WithStderr(os.Stderr).
		WithArgs("toolhost-tool")

	instance, err := l.runtime.InstantiateModule(ctx, compiled, config)
	if err != nil {
		compiled.Close(ctx)
		return nil, toolhosterr.Wrap(toolhosterr.AbiMismatch, fmt.Sprintf("instantiate wasm module %q", path), err)
	}

	lib := &library{
		runtime:  l.runtime,
		compiled: compiled,
		instance: instance,
	}

	descriptor, err := lib.discover(ctx)
	if err != nil {
		instance.Close(ctx)
		compiled.Close(ctx)
		return nil, err
	}
	lib.descriptor = descriptor

	return lib, nil
}

// library is the wazero-backed abi.Library implementation.
type library struct {
	runtime  wazero.Runtime
	compiled wazero.CompiledModule
	instance api.Module

	descriptor abi.LibraryDescriptor

	// callMu serializes calls into the guest instance. WASM linear memory is
	// not safe for concurrent access from multiple host goroutines against a
	// single instance, so calls to the same library are serialized here;
	// concurrency across distinct libraries is unaffected.
	callMu sync.Mutex
}

func (lib *library) Descriptor() abi.LibraryDescriptor {
	return lib.descriptor
}

func (lib *library) discover(ctx context.Context) (abi.LibraryDescriptor, error) {
	fn := lib.instance.ExportedFunction("toolhost_discover")
	if fn == nil {
		return abi.LibraryDescriptor{}, toolhosterr.New(toolhosterr.AbiMismatch, "module does not export toolhost_discover")
	}

	results, err := fn.Call(ctx)
	if err != nil {
		return abi.LibraryDescriptor{}, toolhosterr.Wrap(toolhosterr.AbiMismatch, "call toolhost_discover", err)
	}
	if len(results) != 1 {
		return abi.LibraryDescriptor{}, toolhosterr.New(toolhosterr.AbiMismatch, "toolhost_discover returned an unexpected number of results")
	}

	raw, err := lib.readPacked(results[0])
	if err != nil {
		return abi.LibraryDescriptor{}, err
	}

	var wire wireDescriptor
	if err := json.Unmarshal(raw, &wire); err != nil {
		return abi.LibraryDescriptor{}, toolhosterr.Wrap(toolhosterr.AbiMismatch, "decode toolhost_discover payload", err)
	}

	tools := make([]abi.ToolDescriptor, 0, len(wire.Tools))
	for _, t := range wire.Tools {
		tools = append(tools, abi.ToolDescriptor{
			FunctionName: t.FunctionName,
			DisplayName:  t.DisplayName,
			Description:  t.Description,
			InputSchema:  t.InputSchema,
			OutputSchema: t.OutputSchema,
			Capabilities: t.Capabilities,
			Tags:         t.Tags,
			Embedding:    t.Embedding,
		})
	}

	return abi.LibraryDescriptor{
		Name:    wire.Name,
		Version: wire.Version,
		Tools:   tools,
	}, nil
}

// Call invokes the guest's toolhost_call_<fn> export, recovering any guest
// trap into ResultPanicTrapped rather than letting it escape to the caller.
func (lib *library) Call(ctx context.Context, fn string, call abi.CallContext, input []byte) (result abi.CallResult) {
	defer func() {
		if r := recover(); r != nil {
			result = abi.CallResult{
				Kind:   abi.ResultPanicTrapped,
				Output: []byte(fmt.Sprintf("tool %q panicked: %v", fn, r)),
			}
		}
	}()

	exportName := callFunctionPrefix + fn
	export := lib.instance.ExportedFunction(exportName)
	if export == nil {
		return abi.CallResult{
			Kind:   abi.ResultInvalidInput,
			Output: []byte(fmt.Sprintf("tool library does not export %q", exportName)),
		}
	}

	ctxBytes, err := json.Marshal(wireCallContext{
		RequestID:         call.RequestID,
		SessionID:         call.SessionID,
		UserID:            call.UserID,
		UserCredentials:   call.UserCredentials,
		SystemCredentials: call.SystemCredentials,
	})
	if err != nil {
		return abi.CallResult{Kind: abi.ResultError, Output: []byte("failed to encode call context")}
	}

	lib.callMu.Lock()
	defer lib.callMu.Unlock()

	ctxPtr, ctxLen, err := lib.writeBuffer(ctx, ctxBytes)
	if err != nil {
		return abi.CallResult{Kind: abi.ResultError, Output: []byte(err.Error())}
	}
	inputPtr, inputLen, err := lib.writeBuffer(ctx, input)
	if err != nil {
		return abi.CallResult{Kind: abi.ResultError, Output: []byte(err.Error())}
	}

	results, err := export.Call(ctx, uint64(ctxPtr), uint64(ctxLen), uint64(inputPtr), uint64(inputLen))
	if err != nil {
		return abi.CallResult{
			Kind:   abi.ResultPanicTrapped,
			Output: []byte(fmt.Sprintf("tool %q trapped: %v", fn, err)),
		}
	}
	if len(results) != 1 {
		return abi.CallResult{Kind: abi.ResultError, Output: []byte("call export returned an unexpected number of results")}
	}

	raw, err := lib.readPacked(results[0])
	if err != nil {
		return abi.CallResult{Kind: abi.ResultError, Output: []byte(err.Error())}
	}
	if len(raw) == 0 {
		return abi.CallResult{Kind: abi.ResultError, Output: []byte("call export returned an empty buffer")}
	}

	kind := abi.ResultKind(raw[0])
	return abi.CallResult{Kind: kind, Output: raw[1:]}
}

func (lib *library) Close(ctx context.Context) error {
	if err := lib.instance.Close(ctx); err != nil {
		return toolhosterr.Wrap(toolhosterr.Io, "close wasm instance", err)
	}
	if err := lib.compiled.Close(ctx); err != nil {
		return toolhosterr.Wrap(toolhosterr.Io, "close compiled wasm module", err)
	}
	return nil
}

// writeBuffer asks the guest to reserve size bytes via toolhost_alloc and
// copies data into the returned region.
func (lib *library) writeBuffer(ctx context.Context, data []byte) (uint32, uint32, error) {
	if len(data) == 0 {
		return 0, 0, nil
	}

	alloc := lib.instance.ExportedFunction("toolhost_alloc")
	if alloc == nil {
		return 0, 0, toolhosterr.New(toolhosterr.AbiMismatch, "module does not export toolhost_alloc")
	}

	results, err := alloc.Call(ctx, uint64(len(data)))
	if err != nil {
		return 0, 0, toolhosterr.Wrap(toolhosterr.AbiMismatch, "call toolhost_alloc", err)
	}
	if len(results) != 1 {
		return 0, 0, toolhosterr.New(toolhosterr.AbiMismatch, "toolhost_alloc returned an unexpected number of results")
	}

	ptr := uint32(results[0])
	if !lib.instance.Memory().Write(ptr, data) {
		return 0, 0, toolhosterr.New(toolhosterr.AbiMismatch, "write out of bounds of guest memory")
	}
	return ptr, uint32(len(data)), nil
}

// readPacked unpacks a (ptr<<32|len) result, reads the bytes it describes,
// copies them into host memory, and frees the guest buffer via
// toolhost_dealloc.
func (lib *library) readPacked(packed uint64) ([]byte, error) {
	ptr := uint32(packed >> 32)
	length := uint32(packed)

	if length == 0 {
		return nil, nil
	}

	raw, ok := lib.instance.Memory().Read(ptr, length)
	if !ok {
		return nil, toolhosterr.New(toolhosterr.AbiMismatch, "read out of bounds of guest memory")
	}

	out := make([]byte, len(raw))
	copy(out, raw)

	if dealloc := lib.instance.ExportedFunction("toolhost_dealloc"); dealloc != nil {
		_, _ = dealloc.Call(context.Background(), uint64(ptr), uint64(length))
	}

	return out, nil
}

// ModulePath normalizes a configured library path the way the manifest
// loader expects: relative paths are left untouched here and joined by the
// manifest package, which owns base-directory resolution.
func ModulePath(path string) string {
	return strings.TrimSpace(path)
}
