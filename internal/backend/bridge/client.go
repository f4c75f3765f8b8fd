package bridge

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"

	"github.com/goccy/go-json"

	"github.com/samcharles93/kiln/internal/logger"
)

var ErrClosed = errors.New("bridge: connection closed")

// Client issues requests to one helper. Calls are serialized.
type Client struct {
	mu     sync.Mutex
	enc    *json.Encoder
	dec    *json.Decoder
	closer io.Closer
	nextID uint64
	closed bool
	log    logger.Logger
	info   HelloResult
}

type conn struct {
	io.Reader
	io.Writer
	closeFn func() error
}

func (c conn) Close() error { return c.closeFn() }

// NewClient speaks the protocol over rwc and performs the hello exchange.
func NewClient(ctx context.Context, rwc io.ReadWriteCloser, log logger.Logger) (*Client, error) {
	if log == nil {
		log = logger.Discard()
	}
	c := &Client{
		enc:    json.NewEncoder(rwc),
		dec:    json.NewDecoder(bufio.NewReader(rwc)),
		closer: rwc,
		log:    log,
	}
	if err := c.Call(ctx, MethodHello, HelloParams{Version: ProtocolVersion}, &c.info); err != nil {
		_ = rwc.Close()
		return nil, fmt.Errorf("bridge handshake: %w", err)
	}
	if c.info.Version != ProtocolVersion {
		_ = rwc.Close()
		return nil, fmt.Errorf("bridge handshake: helper speaks protocol %d, want %d", c.info.Version, ProtocolVersion)
	}
	log.Debug("bridge connected", "helper", c.info.Name, "version", c.info.Version)
	return c, nil
}

// Start launches argv as the helper process. Its stderr is logged at debug.
func Start(ctx context.Context, argv []string, log logger.Logger) (*Client, error) {
	if len(argv) == 0 {
		return nil, errors.New("bridge: empty helper command")
	}
	if log == nil {
		log = logger.Discard()
	}
	cmd := exec.Command(argv[0], argv[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	cmd.Stderr = &lineLogger{log: log}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start bridge helper %s: %w", argv[0], err)
	}

	rwc := conn{
		Reader: stdout,
		Writer: stdin,
		closeFn: func() error {
			_ = stdin.Close()
			if err := cmd.Wait(); err != nil {
				var exitErr *exec.ExitError
				if !errors.As(err, &exitErr) {
					return err
				}
			}
			return nil
		},
	}
	return NewClient(ctx, rwc, log)
}

func (c *Client) Info() HelloResult { return c.info }

// Call sends one request and decodes the result into out, which may be nil.
// If ctx ends first the connection is closed, since the helper cannot be
// interrupted mid-request.
func (c *Client) Call(ctx context.Context, method string, params, out any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}

	var raw json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("encode %s params: %w", method, err)
		}
		raw = b
	}
	c.nextID++
	req := Request{ID: c.nextID, Method: method, Params: raw}

	done := make(chan struct{})
	var resp Response
	var callErr error
	go func() {
		defer close(done)
		if err := c.enc.Encode(req); err != nil {
			callErr = fmt.Errorf("send %s: %w", method, err)
			return
		}
		if err := c.dec.Decode(&resp); err != nil {
			if errors.Is(err, io.EOF) {
				err = ErrClosed
			}
			callErr = fmt.Errorf("receive %s: %w", method, err)
		}
	}()

	select {
	case <-done:
	case <-ctx.Done():
		c.closed = true
		_ = c.closer.Close()
		<-done
		return ctx.Err()
	}
	if callErr != nil {
		return callErr
	}
	if resp.ID != req.ID {
		return fmt.Errorf("bridge %s: response id %d for request %d", method, resp.ID, req.ID)
	}
	if resp.Error != nil {
		return resp.Error
	}
	if out != nil && len(resp.Result) > 0 {
		if err := json.Unmarshal(resp.Result, out); err != nil {
			return fmt.Errorf("decode %s result: %w", method, err)
		}
	}
	return nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.closer.Close()
}

// lineLogger forwards helper stderr to the logger, one record per line.
type lineLogger struct {
	log logger.Logger
	buf []byte
}

func (l *lineLogger) Write(p []byte) (int, error) {
	l.buf = append(l.buf, p...)
	for {
		i := bytes.IndexByte(l.buf, '\n')
		if i < 0 {
			return len(p), nil
		}
		if i > 0 {
			l.log.Debug("bridge helper", "line", string(l.buf[:i]))
		}
		l.buf = l.buf[i+1:]
	}
}
