package bridge

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"

	"github.com/goccy/go-json"

	"github.com/samcharles93/kiln/internal/logger"
)

type handlerFunc func(params json.RawMessage) (any, *RemoteError)

// fakeHelper answers protocol requests in-process.
type fakeHelper struct {
	mu       sync.Mutex
	version  int
	methods  []string
	handlers map[string]handlerFunc
	calls    []string
	nextID   int
	// exitOn makes the helper hang up when it receives this method.
	exitOn   string
	released []Handle
}

func newFakeHelper() *fakeHelper {
	return &fakeHelper{version: ProtocolVersion, handlers: map[string]handlerFunc{}}
}

func (h *fakeHelper) handle(method string, fn handlerFunc) { h.handlers[method] = fn }

func (h *fakeHelper) newHandle(prefix string) Handle {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	return Handle(fmt.Sprintf("%s-%d", prefix, h.nextID))
}

// handleRelease records released handles.
func (h *fakeHelper) handleRelease(t *testing.T) {
	h.handle(MethodRelease, func(raw json.RawMessage) (any, *RemoteError) {
		p := decode[HandleParams](t, raw)
		h.mu.Lock()
		h.released = append(h.released, p.Handle)
		h.mu.Unlock()
		return nil, nil
	})
}

func (h *fakeHelper) releasedHandles() []Handle {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Handle(nil), h.released...)
}

func (h *fakeHelper) called() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.calls...)
}

func (h *fakeHelper) serve(r io.Reader, w io.WriteCloser) {
	defer w.Close()
	dec := json.NewDecoder(r)
	enc := json.NewEncoder(w)
	for {
		var req Request
		if err := dec.Decode(&req); err != nil {
			return
		}
		resp := Response{ID: req.ID}
		if req.Method == MethodHello {
			resp.Result, _ = json.Marshal(HelloResult{Version: h.version, Name: "fake", Methods: h.methods})
		} else {
			h.mu.Lock()
			h.calls = append(h.calls, req.Method)
			h.mu.Unlock()
			if req.Method == h.exitOn {
				return
			}
			fn, ok := h.handlers[req.Method]
			if !ok {
				resp.Error = &RemoteError{Code: CodeUnsupported, Message: req.Method}
			} else {
				out, rerr := fn(req.Params)
				resp.Error = rerr
				if rerr == nil && out != nil {
					resp.Result, _ = json.Marshal(out)
				}
			}
		}
		if err := enc.Encode(resp); err != nil {
			return
		}
	}
}

// connect wires a client to h over in-memory pipes.
func connect(t *testing.T, h *fakeHelper) *Client {
	t.Helper()
	toClientR, toClientW := io.Pipe()
	toHelperR, toHelperW := io.Pipe()
	go h.serve(toHelperR, toClientW)

	rwc := conn{
		Reader: toClientR,
		Writer: toHelperW,
		closeFn: func() error {
			_ = toHelperW.Close()
			return toClientR.Close()
		},
	}
	c, err := NewClient(context.Background(), rwc, logger.Discard())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func decode[T any](t *testing.T, raw json.RawMessage) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		t.Errorf("decode params: %v", err)
	}
	return v
}
