package transport

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

var errRefused = errors.New("connection refused")

type fakeConn struct {
	in        chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	written [][]byte
	reason  string
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

func (f *fakeConn) Read(ctx context.Context) (websocket.MessageType, []byte, error) {
	select {
	case data := <-f.in:
		return websocket.MessageText, data, nil
	case <-f.closed:
		return websocket.MessageText, nil, errors.New("connection closed")
	case <-ctx.Done():
		return websocket.MessageText, nil, ctx.Err()
	}
}

func (f *fakeConn) Write(ctx context.Context, _ websocket.MessageType, p []byte) error {
	select {
	case <-f.closed:
		return errors.New("write on closed connection")
	default:
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written = append(f.written, append([]byte{}, p...))
	return ctx.Err()
}

func (f *fakeConn) Close(_ websocket.StatusCode, reason string) error {
	f.closeOnce.Do(func() {
		f.mu.Lock()
		f.reason = reason
		f.mu.Unlock()
		close(f.closed)
	})
	return nil
}

// drop simulates the server going away.
func (f *fakeConn) drop() {
	_ = f.Close(websocket.StatusAbnormalClosure, "dropped")
}

func (f *fakeConn) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

func (f *fakeConn) push(frame string) {
	f.in <- []byte(frame)
}

func (f *fakeConn) writtenTypes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ret []string
	for _, w := range f.written {
		var hdr struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(w, &hdr); err == nil {
			ret = append(ret, hdr.Type)
		}
	}
	return ret
}

func (f *fakeConn) lastWritten() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.written) == 0 {
		return nil
	}
	return f.written[len(f.written)-1]
}

type dialResult struct {
	conn *fakeConn
	err  error
}

type fakeDialer struct {
	mu      sync.Mutex
	results []dialResult
	urls    []string

	// when set, Dial signals entered and waits for release
	entered chan struct{}
	release chan struct{}
}

func newFakeDialer(results ...dialResult) *fakeDialer {
	return &fakeDialer{results: results}
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (Conn, error) {
	d.mu.Lock()
	d.urls = append(d.urls, url)
	var res dialResult
	if len(d.results) > 0 {
		res = d.results[0]
		d.results = d.results[1:]
	} else {
		res = dialResult{err: errRefused}
	}
	entered, release := d.entered, d.release
	d.mu.Unlock()

	if entered != nil {
		entered <- struct{}{}
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if res.err != nil {
		return nil, res.err
	}
	return res.conn, nil
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.urls)
}

type manualTimer struct {
	clock   *manualClock
	delay   time.Duration
	f       func()
	stopped bool
	fired   bool
}

func (t *manualTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	wasPending := !t.stopped && !t.fired
	t.stopped = true
	return wasPending
}

// manualClock records scheduled callbacks, they only run when fired by the test.
type manualClock struct {
	mu     sync.Mutex
	timers []*manualTimer
}

func (c *manualClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &manualTimer{clock: c, delay: d, f: f}
	c.timers = append(c.timers, t)
	return t
}

func (c *manualClock) delays() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	ret := []time.Duration{}
	for _, t := range c.timers {
		ret = append(ret, t.delay)
	}
	return ret
}

// fireLast runs the most recently scheduled callback if it is still pending.
func (c *manualClock) fireLast() bool {
	c.mu.Lock()
	if len(c.timers) == 0 {
		c.mu.Unlock()
		return false
	}
	t := c.timers[len(c.timers)-1]
	if t.stopped || t.fired {
		c.mu.Unlock()
		return false
	}
	t.fired = true
	c.mu.Unlock()

	t.f()
	return true
}

type statusRecorder struct {
	mu      sync.Mutex
	changes []StatusChange
}

func (r *statusRecorder) listener() StatusListener {
	return func(change StatusChange) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.changes = append(r.changes, change)
	}
}

func (r *statusRecorder) statuses() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ret []Status
	for _, c := range r.changes {
		ret = append(ret, c.Status)
	}
	return ret
}
