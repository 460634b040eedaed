// Package registry implements the toolhost runtime's tool registry: the
// insertion-ordered catalog of every loaded tool, paginated listing,
// delegated semantic search, and the inflight-guarded call path that keeps
// a library's arena pinned for the duration of any call made through it.
package registry

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/toolhost/runtime/abi"
	"github.com/toolhost/runtime/internal/toolhost/handle"
	"github.com/toolhost/runtime/internal/toolhost/index"
	"github.com/toolhost/runtime/internal/toolhost/toolhosterr"
)

const (
	defaultListPageSize = 100
	maxListPageSize     = 1000

	defaultSearchPageSize = 10
	maxSearchPageSize     = 100
)

// Registry is the runtime's live catalog of loaded tools. It is safe for
// concurrent use.
type Registry struct {
	mu sync.RWMutex

	byID  map[string]*handle.Handle
	order []string // qualified ids, insertion order

	arenas []*handle.Arena

	index *index.Index

	inflight int64

	draining   bool
	drainCond  *sync.Cond
}

// New returns an empty Registry backed by its own semantic index.
func New() *Registry {
	return NewWithDefaultDim(0)
}

// NewWithDefaultDim returns an empty Registry whose semantic index is
// pre-sized to dim, so the first tool indexed need not trigger a resize.
// dim <= 0 behaves exactly like New.
func NewWithDefaultDim(dim int) *Registry {
	r := &Registry{
		byID:  make(map[string]*handle.Handle),
		index: index.NewWithDim(dim),
	}
	r.drainCond = sync.NewCond(&r.mu)
	return r
}

// LoadLibrary loads a tool library through loader and atomically installs
// every tool it exposes. If any tool's qualified id already exists in the
// registry, the whole library is rejected and its freshly-opened arena is
// closed: installation is all-or-nothing.
func (r *Registry) LoadLibrary(
	ctx context.Context,
	loader abi.Loader,
	path string,
	checksum string,
	systemCredentials map[string][]byte,
) ([]*handle.Handle, error) {
	arena, handles, err := handle.Load(ctx, loader, path, checksum, systemCredentials)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, h := range handles {
		if _, exists := r.byID[h.ToolInfo.QualifiedID]; exists {
			arena.Release(ctx)
			return nil, toolhosterr.New(toolhosterr.Conflict,
				"tool \""+h.ToolInfo.QualifiedID+"\" is already registered")
		}
	}

	for _, h := range handles {
		r.byID[h.ToolInfo.QualifiedID] = h
		r.order = append(r.order, h.ToolInfo.QualifiedID)
		r.index.Add(h.ToolInfo.QualifiedID, h.ToolInfo.Embedding, indexText(h.ToolInfo))
	}
	r.arenas = append(r.arenas, arena)

	return handles, nil
}

func indexText(info handle.ToolInfo) string {
	text := info.DisplayName + " " + info.Description
	for _, tag := range info.Tags {
		text += " " + tag
	}
	return text
}

// Get returns the handle for a qualified id, or a NotFound error.
func (r *Registry) Get(qualifiedID string) (*handle.Handle, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.byID[qualifiedID]
	if !ok {
		return nil, toolhosterr.New(toolhosterr.NotFound, "tool not found: "+qualifiedID)
	}
	return h, nil
}

// ListPage is one page of List's paginated output.
type ListPage struct {
	Tools         []handle.ToolInfo
	NextPageToken string
}

// List returns tools in insertion order starting at pageToken (an offset
// encoded as a decimal string). pageSize <= 0 defaults to 100 and is capped
// at 1000. An unparsable or negative pageToken is treated as offset zero
// rather than rejected, matching the runtime's tolerant pagination contract.
func (r *Registry) List(pageToken string, pageSize int) ListPage {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if pageSize <= 0 {
		pageSize = defaultListPageSize
	}
	if pageSize > maxListPageSize {
		pageSize = maxListPageSize
	}

	offset, err := strconv.Atoi(pageToken)
	if err != nil || offset < 0 {
		offset = 0
	}
	if offset > len(r.order) {
		offset = len(r.order)
	}

	end := offset + pageSize
	if end > len(r.order) {
		end = len(r.order)
	}

	tools := make([]handle.ToolInfo, 0, end-offset)
	for _, id := range r.order[offset:end] {
		tools = append(tools, r.byID[id].ToolInfo)
	}

	page := ListPage{Tools: tools}
	if end < len(r.order) {
		page.NextPageToken = strconv.Itoa(end)
	}
	return page
}

// SearchPage is one page of Search's paginated output.
type SearchPage struct {
	Results       []index.Result
	NextPageToken string
}

// Search delegates to the semantic index. pageSize <= 0 defaults to 10 and
// is capped at 100.
func (r *Registry) Search(queryEmbedding []float32, queryText string, pageToken string, pageSize int) (SearchPage, error) {
	if pageSize <= 0 {
		pageSize = defaultSearchPageSize
	}
	if pageSize > maxSearchPageSize {
		pageSize = maxSearchPageSize
	}

	offset, err := strconv.Atoi(pageToken)
	if err != nil || offset < 0 {
		offset = 0
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	all := r.index.Search(queryEmbedding, queryText, 0)
	if offset > len(all) {
		offset = len(all)
	}
	end := offset + pageSize
	if end > len(all) {
		end = len(all)
	}

	page := SearchPage{Results: append([]index.Result(nil), all[offset:end]...)}
	if end < len(all) {
		page.NextPageToken = strconv.Itoa(end)
	}
	return page, nil
}

// RequestGuard pins a handle's arena and counts toward the registry's
// inflight total for the lifetime of one call. Release must be called
// exactly once.
type RequestGuard struct {
	r     *Registry
	arena *handle.Arena
}

// StartRequestGuard acquires the handle's arena and increments the
// registry's inflight counter. It fails with Unavailable if the registry is
// draining, so that a shutdown in progress never races against a freshly
// admitted call.
func (r *Registry) StartRequestGuard(h *handle.Handle) (*RequestGuard, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.draining {
		return nil, toolhosterr.New(toolhosterr.Unavailable, "registry is draining")
	}

	h.Arena().Acquire()
	atomic.AddInt64(&r.inflight, 1)
	return &RequestGuard{r: r, arena: h.Arena()}, nil
}

// Release unpins the arena and decrements the inflight counter, waking any
// goroutine blocked in Drain if the registry has reached zero inflight.
func (g *RequestGuard) Release(ctx context.Context) {
	g.arena.Release(ctx)
	if atomic.AddInt64(&g.r.inflight, -1) == 0 {
		g.r.mu.Lock()
		g.r.drainCond.Broadcast()
		g.r.mu.Unlock()
	}
}

// InflightCount reports the number of calls currently admitted through
// StartRequestGuard and not yet released.
func (r *Registry) InflightCount() int64 {
	return atomic.LoadInt64(&r.inflight)
}

// Len reports the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// Drain marks the registry as shutting down, rejecting any further
// StartRequestGuard call, then blocks until every admitted call has
// released its guard or ctx's deadline elapses, whichever comes first. It
// returns the number of calls still inflight when it returned: zero means
// every admitted call drained cleanly; nonzero means ctx expired first.
// Arenas are only released when the drain was clean, since closing a
// library out from under a call still in flight would violate the
// guarantee RequestGuard exists to provide.
func (r *Registry) Drain(ctx context.Context) int64 {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			r.mu.Lock()
			r.drainCond.Broadcast()
			r.mu.Unlock()
		case <-stop:
		}
	}()

	r.mu.Lock()
	r.draining = true
	for atomic.LoadInt64(&r.inflight) > 0 && ctx.Err() == nil {
		r.drainCond.Wait()
	}
	residual := atomic.LoadInt64(&r.inflight)
	r.mu.Unlock()

	if residual == 0 {
		for _, arena := range r.arenas {
			arena.Release(ctx)
		}
	}
	return residual
}

// Call invokes a tool's entrypoint under an inflight guard, converting any
// ABI-level panic trap into a toolhosterr.ToolPanic error rather than a
// propagated panic, and an ABI-level Error result into toolhosterr.ToolError.
func (r *Registry) Call(ctx context.Context, qualifiedID string, call abi.CallContext, input []byte) ([]byte, error) {
	h, err := r.Get(qualifiedID)
	if err != nil {
		return nil, err
	}

	guard, err := r.StartRequestGuard(h)
	if err != nil {
		return nil, err
	}
	defer guard.Release(ctx)

	call.SystemCredentials = h.SystemCredentials
	result := h.Call(ctx, call, input)

	switch result.Kind {
	case abi.ResultOk:
		return result.Output, nil
	case abi.ResultInvalidInput:
		return nil, toolhosterr.New(toolhosterr.InvalidArgument, string(result.Output))
	case abi.ResultUnavailable:
		return nil, toolhosterr.New(toolhosterr.Unavailable, string(result.Output))
	case abi.ResultPanicTrapped:
		return nil, toolhosterr.New(toolhosterr.ToolPanic, string(result.Output))
	default:
		return nil, toolhosterr.New(toolhosterr.ToolError, string(result.Output))
	}
}
