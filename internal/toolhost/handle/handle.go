// Package handle implements the toolhost runtime's tool handle: the owner
// of one loaded library's tools, their resolved call entrypoints, and their
// bound system credentials. A Handle keeps its originating library's arena
// alive for as long as the handle exists, and the registry additionally
// keeps the arena alive for the duration of any in-flight call via
// Arena.Acquire/Release.
package handle

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/toolhost/runtime/abi"
	"github.com/toolhost/runtime/internal/toolhost/toolhosterr"
)

// ToolInfo is the immutable-after-load metadata for one registered tool.
type ToolInfo struct {
	QualifiedID  string
	DisplayName  string
	LibraryName  string
	Version      string
	Description  string
	InputSchema  string
	OutputSchema string
	Capabilities []string
	Tags         []string
	Embedding    []float32
}

// Arena is the shared, refcounted owner of one loaded library. All Handles
// produced from the same Load call share an Arena; the underlying library is
// closed only when the last reference is released.
type Arena struct {
	lib  abi.Library
	path string
	refs int64
}

// Acquire pins the arena against unload. Call Release exactly once per
// Acquire. Acquiring after the arena has already reached zero references is
// a programmer error and panics, since it would mean a caller held a handle
// past the library's unload.
func (a *Arena) Acquire() {
	if atomic.AddInt64(&a.refs, 1) == 1 {
		panic("toolhost: Arena acquired after it reached zero references")
	}
}

// Release drops a reference acquired via Acquire, closing the underlying
// library when the count reaches zero.
func (a *Arena) Release(ctx context.Context) {
	if atomic.AddInt64(&a.refs, -1) == 0 {
		_ = a.lib.Close(ctx)
	}
}

// Path returns the filesystem path the arena's library was loaded from.
func (a *Arena) Path() string {
	return a.path
}

// Handle is a live reference to one callable function inside a loaded
// library, plus its descriptor and bound credentials.
type Handle struct {
	Info abi.ToolDescriptor

	ToolInfo ToolInfo

	arena        *Arena
	functionName string

	// SystemCredentials is the tool's bound system credentials, serialized
	// once at load time into the ABI's opaque blob format.
	SystemCredentials []byte

	// SpanName is a weak observability hook: a tracing span name derived
	// from the qualified id, carried so callers can attach it to their own
	// tracing without the handle depending on any particular tracer.
	SpanName string
}

// Call invokes the tool's entrypoint across the ABI boundary. The caller is
// responsible for holding an inflight guard (see the registry package) for
// the duration of this call; Call itself does not pin the arena, since
// pinning belongs to the request's lifetime, not the call's.
func (h *Handle) Call(ctx context.Context, call abi.CallContext, input []byte) abi.CallResult {
	return h.arena.lib.Call(ctx, h.functionName, call, input)
}

// Arena exposes the handle's backing arena so the registry can pin it for
// the duration of an in-flight call.
func (h *Handle) Arena() *Arena {
	return h.arena
}

// Load opens path via loader, verifies an optional declared checksum,
// executes the discovery entrypoint once, and constructs one Handle per
// descriptor. All handles share a single Arena. Load fails atomically: on
// any error, no handle is returned and the opened library (if any) is
// closed.
func Load(
	ctx context.Context,
	loader abi.Loader,
	path string,
	checksum string,
	systemCredentials map[string][]byte,
) (*Arena, []*Handle, error) {
	if checksum != "" {
		if err := verifyChecksum(path, checksum); err != nil {
			return nil, nil, err
		}
	}

	lib, err := loader.Load(ctx, path)
	if err != nil {
		return nil, nil, toolhosterr.Wrap(toolhosterr.Io, fmt.Sprintf("load library %q", path), err)
	}

	descriptor := lib.Descriptor()
	if descriptor.Name == "" {
		_ = lib.Close(ctx)
		return nil, nil, toolhosterr.New(toolhosterr.AbiMismatch, "library discovery returned an empty name")
	}
	if len(descriptor.Tools) == 0 {
		_ = lib.Close(ctx)
		return nil, nil, toolhosterr.New(toolhosterr.AbiMismatch, "library discovery returned no tools")
	}

	seen := make(map[string]struct{}, len(descriptor.Tools))
	arena := &Arena{lib: lib, path: path, refs: 1}
	handles := make([]*Handle, 0, len(descriptor.Tools))

	for _, tool := range descriptor.Tools {
		if err := validateDescriptor(tool); err != nil {
			_ = lib.Close(ctx)
			return nil, nil, err
		}
		qualifiedID := descriptor.Name + "." + tool.FunctionName
		if _, dup := seen[qualifiedID]; dup {
			_ = lib.Close(ctx)
			return nil, nil, toolhosterr.New(toolhosterr.AbiMismatch,
				fmt.Sprintf("library %q declares duplicate tool %q", descriptor.Name, qualifiedID))
		}
		seen[qualifiedID] = struct{}{}

		embedding := tool.Embedding
		if len(embedding) == 0 {
			if loaded, err := loadEmbeddingArtifact(embeddingArtifactPath(path, descriptor.Name, tool.FunctionName)); err == nil {
				embedding = loaded
			}
		}

		handles = append(handles, &Handle{
			Info: tool,
			ToolInfo: ToolInfo{
				QualifiedID:  qualifiedID,
				DisplayName:  tool.DisplayName,
				LibraryName:  descriptor.Name,
				Version:      descriptor.Version,
				Description:  tool.Description,
				InputSchema:  tool.InputSchema,
				OutputSchema: tool.OutputSchema,
				Capabilities: append([]string(nil), tool.Capabilities...),
				Tags:         append([]string(nil), tool.Tags...),
				Embedding:    embedding,
			},
			arena:             arena,
			functionName:      tool.FunctionName,
			SystemCredentials: systemCredentials[tool.FunctionName],
			SpanName:          "toolhost.call." + qualifiedID,
		})
	}

	return arena, handles, nil
}

func validateDescriptor(tool abi.ToolDescriptor) error {
	if tool.FunctionName == "" {
		return toolhosterr.New(toolhosterr.AbiMismatch, "tool descriptor has an empty function name")
	}
	return nil
}

// embeddingArtifactPath locates the out-of-line embedding file a library
// may ship beside itself, named "{library}.{function}.embedding", for a
// tool descriptor that declares no inline embedding.
func embeddingArtifactPath(libraryPath, libraryName, functionName string) string {
	return filepath.Join(filepath.Dir(libraryPath), strings.Join([]string{libraryName, functionName, "embedding"}, "."))
}

// loadEmbeddingArtifact reads a little-endian float32 vector from path. The
// file's length must be a multiple of 4; the vector's length is implied by
// the file size, not declared anywhere else.
func loadEmbeddingArtifact(path string) ([]float32, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(data)%4 != 0 {
		return nil, toolhosterr.New(toolhosterr.IntegrityViolation,
			fmt.Sprintf("embedding artifact %q has length %d, not a multiple of 4", path, len(data)))
	}

	vec := make([]float32, len(data)/4)
	for i := range vec {
		bits := binary.LittleEndian.Uint32(data[i*4 : i*4+4])
		vec[i] = math.Float32frombits(bits)
	}
	return vec, nil
}

func verifyChecksum(path, want string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return toolhosterr.Wrap(toolhosterr.Io, fmt.Sprintf("read library %q for checksum", path), err)
	}
	sum := sha256.Sum256(data)
	got := hex.EncodeToString(sum[:])
	if got != want {
		return toolhosterr.New(toolhosterr.IntegrityViolation,
			fmt.Sprintf("checksum mismatch for %q: want %s, got %s", path, want, got))
	}
	return nil
}
