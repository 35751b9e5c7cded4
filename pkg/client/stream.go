package client

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/moosh3/mindloom/pkg/types"
)

// maxEventBytes bounds one server-sent event; envelopes are capped well
// below this on the publishing side.
const maxEventBytes = 2 << 20

// ResultStream is a live result subscription. Read envelopes from C until
// it closes; the last envelope of a complete stream has kind "end". After
// C closes, Err reports nil for a complete stream and the transport error
// otherwise.
type ResultStream struct {
	c      chan types.Envelope
	done   chan struct{}
	cancel context.CancelFunc
	once   sync.Once

	mu  sync.Mutex
	err error
}

// C returns the envelope channel.
func (s *ResultStream) C() <-chan types.Envelope { return s.c }

// Err reports why C closed. Valid only after C is closed.
func (s *ResultStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close abandons the stream early. Safe to call on every exit path.
func (s *ResultStream) Close() {
	s.once.Do(func() {
		close(s.done)
		s.cancel()
	})
}

func (s *ResultStream) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

// StreamResults subscribes to a run's result stream. Subscribers attaching
// after the run finished receive the synthetic terminal events and then the
// channel closes.
func (c *Client) StreamResults(ctx context.Context, id string) (*ResultStream, error) {
	ctx, cancel := context.WithCancel(ctx)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/api/v1/runs/"+url.PathEscape(id)+"/stream", nil)
	if err != nil {
		cancel()
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	c.authorize(req)

	// The configured client's timeout would kill a healthy stream, so
	// only its transport is reused here.
	resp, err := (&http.Client{Transport: c.http.Transport}).Do(req)
	if err != nil {
		cancel()
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		cancel()
		return nil, decodeError(resp)
	}

	s := &ResultStream{
		c:      make(chan types.Envelope, 16),
		done:   make(chan struct{}),
		cancel: cancel,
	}
	go s.read(resp.Body)
	return s, nil
}

func (s *ResultStream) read(body io.ReadCloser) {
	defer close(s.c)
	defer s.cancel()
	defer body.Close()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxEventBytes)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			// Heartbeat comments and event separators.
			continue
		}
		env, err := types.DecodeEnvelope([]byte(strings.TrimPrefix(line, "data: ")))
		if err != nil {
			continue
		}
		select {
		case s.c <- *env:
		case <-s.done:
			return
		}
		if env.IsEnd() {
			return
		}
	}

	if err := scanner.Err(); err != nil {
		s.setErr(err)
		return
	}
	s.setErr(io.ErrUnexpectedEOF)
}

// LogStream is a live log subscription. Each message on C is one log
// record as published by the worker.
type LogStream struct {
	conn *websocket.Conn
	c    chan []byte
	done chan struct{}
	once sync.Once

	mu  sync.Mutex
	err error
}

// C returns the log record channel. It closes when the run reaches a
// terminal status or the stream breaks.
func (s *LogStream) C() <-chan []byte { return s.c }

// Err reports why C closed; nil for a normal server-side close.
func (s *LogStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close abandons the stream early.
func (s *LogStream) Close() {
	s.once.Do(func() {
		close(s.done)
		s.conn.Close()
	})
}

func (s *LogStream) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

// StreamLogs subscribes to a run's live log stream.
func (c *Client) StreamLogs(ctx context.Context, id string) (*LogStream, error) {
	wsURL, err := c.wsURL("/api/v1/ws/runs/" + url.PathEscape(id) + "/logs")
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			if resp.StatusCode >= 400 {
				return nil, decodeError(resp)
			}
		}
		return nil, err
	}
	if resp != nil {
		resp.Body.Close()
	}

	s := &LogStream{
		conn: conn,
		c:    make(chan []byte, 64),
		done: make(chan struct{}),
	}
	go s.read()
	return s, nil
}

func (s *LogStream) read() {
	defer close(s.c)
	for {
		_, msg, err := s.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				select {
				case <-s.done:
					// Closed locally; the read error is expected.
				default:
					s.setErr(err)
				}
			}
			return
		}
		select {
		case s.c <- msg:
		case <-s.done:
			return
		}
	}
}

func (c *Client) wsURL(path string) (string, error) {
	u, err := url.Parse(c.base + path)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	return u.String(), nil
}
