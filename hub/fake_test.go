package hub

import (
	"context"
	"reflect"
	"sort"
	"sync"
)

type call struct {
	target     string
	args       []any
	resultType reflect.Type
}

type fakeHandler struct {
	target string
	params []reflect.Type
	h      Handler
}

// fakeTransport records outbound calls and lets tests deliver inbound ones.
type fakeTransport struct {
	mu       sync.Mutex
	sent     []call
	invoked  []call
	results  map[string]any
	err      error
	onErr    error
	handlers map[HandlerID]fakeHandler
	nextID   HandlerID
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		results:  make(map[string]any),
		handlers: make(map[HandlerID]fakeHandler),
	}
}

func (f *fakeTransport) Send(_ context.Context, target string, args []any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, call{target: target, args: args})
	return f.err
}

func (f *fakeTransport) Invoke(ctx context.Context, target string, args []any, resultType reflect.Type) (any, error) {
	f.mu.Lock()
	f.invoked = append(f.invoked, call{target: target, args: args, resultType: resultType})
	res, err := f.results[target], f.err
	f.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return res, nil
}

func (f *fakeTransport) On(target string, params []reflect.Type, h Handler) (HandlerID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.onErr != nil {
		return 0, f.onErr
	}
	f.nextID++
	f.handlers[f.nextID] = fakeHandler{target: target, params: params, h: h}
	return f.nextID, nil
}

func (f *fakeTransport) Remove(id HandlerID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.handlers, id)
}

// deliver runs every handler registered for target, in registration order,
// and returns how many ran.
func (f *fakeTransport) deliver(target string, args ...any) int {
	f.mu.Lock()
	var ids []HandlerID
	for id, h := range f.handlers {
		if h.target == target {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	hs := make([]Handler, len(ids))
	for i, id := range ids {
		hs[i] = f.handlers[id].h
	}
	f.mu.Unlock()

	for _, h := range hs {
		_ = h(context.Background(), args)
	}
	return len(hs)
}

func (f *fakeTransport) handlerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.handlers)
}

func (f *fakeTransport) lastSent() call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent[len(f.sent)-1]
}

func (f *fakeTransport) lastInvoked() call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.invoked[len(f.invoked)-1]
}

// recordingInvoker captures what a proxy forwards.
type recordingInvoker struct {
	mu      sync.Mutex
	fire    []call
	results []call
	result  any
	err     error
}

func (r *recordingInvoker) InvokeFireAndForget(_ context.Context, target string, args []any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fire = append(r.fire, call{target: target, args: args})
	return r.err
}

func (r *recordingInvoker) InvokeForResult(_ context.Context, target string, args []any, resultType reflect.Type) (any, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, call{target: target, args: args, resultType: resultType})
	return r.result, r.err
}
