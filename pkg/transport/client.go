package transport

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/go-go-golems/treechat/pkg/chaterrors"
	"github.com/go-go-golems/treechat/pkg/conversation"
	"github.com/go-go-golems/treechat/pkg/helpers"
	"github.com/go-go-golems/treechat/pkg/settings"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"nhooyr.io/websocket"
)

type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	// StatusReconnecting means an automatic attempt is scheduled.
	StatusReconnecting Status = "reconnecting"
	// StatusFailed means automatic reconnection gave up, only Connect retries.
	StatusFailed Status = "failed"
)

// StatusChange is passed to status listeners.
type StatusChange struct {
	Status  Status
	Attempt int
	Delay   time.Duration
	Err     error
}

type Handler func(frame *Frame)

type StatusListener func(change StatusChange)

var ErrClosed = errors.New("connection closed by client")

// Client keeps a single duplex connection to the backend, addressed by a
// client generated session id.
//
// An unexpected close schedules a reconnect after base delay times the
// attempt number, up to a bounded number of attempts. A successful open
// resets the count. Connections closed with Disconnect are never reopened
// automatically.
type Client struct {
	url          string
	sessionID    string
	dialer       Dialer
	clock        Clock
	maxAttempts  int
	baseDelay    time.Duration
	pingInterval time.Duration
	dialTimeout  time.Duration
	writeTimeout time.Duration

	mu        sync.Mutex
	status    Status
	conn      Conn
	// generation of the connection state, bumped by every dial and by Disconnect
	gen       uint64
	attempts  int
	timer     Timer
	stopLoops context.CancelFunc
	handlers  map[string]Handler
	listeners []StatusListener
	lastPong  time.Time

	writeMu sync.Mutex
}

type ClientOption func(*Client)

func WithDialer(d Dialer) ClientOption {
	return func(c *Client) {
		c.dialer = d
	}
}

func WithClock(clock Clock) ClientOption {
	return func(c *Client) {
		c.clock = clock
	}
}

func WithSessionID(id string) ClientOption {
	return func(c *Client) {
		c.sessionID = id
	}
}

// WithReconnect sets the attempt bound and the base delay.
func WithReconnect(attempts int, delay time.Duration) ClientOption {
	return func(c *Client) {
		c.maxAttempts = attempts
		c.baseDelay = delay
	}
}

// WithPingInterval sets the keepalive interval, 0 disables pings.
func WithPingInterval(d time.Duration) ClientOption {
	return func(c *Client) {
		c.pingInterval = d
	}
}

func WithDialTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.dialTimeout = d
		c.writeTimeout = d
	}
}

// NewClient creates a disconnected client for the channel at baseURL/<session id>.
func NewClient(baseURL string, options ...ClientOption) *Client {
	ret := &Client{
		dialer:       &WebSocketDialer{ReadLimit: settings.DefaultReadLimit},
		clock:        RealClock,
		maxAttempts:  settings.DefaultReconnectAttempts,
		baseDelay:    settings.DefaultReconnectDelay,
		pingInterval: settings.DefaultPingInterval,
		dialTimeout:  settings.DefaultDialTimeout,
		writeTimeout: settings.DefaultDialTimeout,
		status:       StatusDisconnected,
		handlers:     map[string]Handler{},
	}
	for _, o := range options {
		o(ret)
	}
	if ret.sessionID == "" {
		ret.sessionID = helpers.NewSessionID()
	}
	ret.url = strings.TrimRight(baseURL, "/") + "/" + ret.sessionID
	return ret
}

func NewClientFromSettings(s *settings.Settings, options ...ClientOption) *Client {
	opts := []ClientOption{
		WithDialer(&WebSocketDialer{ReadLimit: s.ReadLimit}),
		WithReconnect(s.ReconnectAttempts, s.ReconnectDelay),
		WithPingInterval(s.PingInterval),
		WithDialTimeout(s.DialTimeout),
	}
	return NewClient(s.WSURL, append(opts, options...)...)
}

func (c *Client) URL() string {
	return c.url
}

func (c *Client) SessionID() string {
	return c.sessionID
}

func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *Client) IsConnected() bool {
	return c.Status() == StatusConnected
}

// Attempts returns the number of automatic reconnect attempts since the last successful open.
func (c *Client) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

func (c *Client) LastPong() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastPong
}

// Connect opens the connection. It does nothing if the client is already
// connected or connecting. A pending automatic attempt is cancelled and the
// attempt count reset. A dial error is returned as a transport error and
// does not schedule a reconnect.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.status == StatusConnected || c.status == StatusConnecting {
		c.mu.Unlock()
		return nil
	}
	c.stopTimerLocked()
	c.attempts = 0
	c.gen++
	gen := c.gen
	c.status = StatusConnecting
	listeners := c.listenersLocked()
	c.mu.Unlock()

	log.Debug().Str("url", c.url).Msg("connecting")
	notify(listeners, StatusChange{Status: StatusConnecting})

	conn, err := c.dial(ctx)

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		if conn != nil {
			_ = conn.Close(websocket.StatusNormalClosure, "client disconnected")
		}
		return chaterrors.Wrap(ErrClosed, chaterrors.KindTransport, "disconnected while connecting")
	}
	if err != nil {
		c.status = StatusDisconnected
		listeners = c.listenersLocked()
		c.mu.Unlock()

		cerr := chaterrors.Wrapf(err, chaterrors.KindTransport, "could not connect to %s", c.url)
		log.Warn().Err(err).Str("url", c.url).Msg("connection failed")
		notify(listeners, StatusChange{Status: StatusDisconnected, Err: cerr})
		return cerr
	}
	change := c.startLocked(conn, gen)
	listeners = c.listenersLocked()
	c.mu.Unlock()

	notify(listeners, change)
	return nil
}

func (c *Client) dial(ctx context.Context) (Conn, error) {
	if c.dialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.dialTimeout)
		defer cancel()
	}
	return c.dialer.Dial(ctx, c.url)
}

func (c *Client) startLocked(conn Conn, gen uint64) StatusChange {
	c.conn = conn
	c.status = StatusConnected
	c.attempts = 0
	c.lastPong = time.Now()

	loopCtx, cancel := context.WithCancel(context.Background())
	c.stopLoops = cancel
	go c.readLoop(loopCtx, conn, gen)
	if c.pingInterval > 0 {
		go c.pingLoop(loopCtx)
	}

	log.Info().Str("url", c.url).Msg("connected")
	return StatusChange{Status: StatusConnected}
}

func (c *Client) readLoop(ctx context.Context, conn Conn, gen uint64) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			c.handleClosed(gen, err)
			return
		}

		frame, err := ParseFrame(data)
		if err != nil {
			log.Warn().Err(err).Msg("dropping malformed frame")
			continue
		}
		log.Trace().Str("type", frame.Type).Msg("received frame")
		c.dispatch(gen, frame)
	}
}

func (c *Client) dispatch(gen uint64, frame *Frame) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	if frame.Type == FramePong {
		c.lastPong = time.Now()
	}
	h, ok := c.handlers[frame.Type]
	c.mu.Unlock()

	if !ok {
		if frame.Type != FramePong {
			log.Debug().Str("type", frame.Type).Msg("no handler for frame")
		}
		return
	}
	h(frame)
}

func (c *Client) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !c.Send(Ping()) {
				log.Debug().Msg("could not send ping")
			}
		}
	}
}

func (c *Client) handleClosed(gen uint64, cause error) {
	c.mu.Lock()
	if gen != c.gen {
		// closed by Disconnect or superseded by a newer connection
		c.mu.Unlock()
		return
	}
	if c.stopLoops != nil {
		c.stopLoops()
		c.stopLoops = nil
	}
	conn := c.conn
	c.conn = nil
	log.Warn().Err(cause).Str("url", c.url).Msg("connection closed unexpectedly")
	change := c.scheduleReconnectLocked(cause)
	listeners := c.listenersLocked()
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close(websocket.StatusGoingAway, "connection lost")
	}
	notify(listeners, change)
}

func (c *Client) scheduleReconnectLocked(cause error) StatusChange {
	cerr := chaterrors.Wrap(cause, chaterrors.KindTransport, "connection lost")
	if c.attempts >= c.maxAttempts {
		c.status = StatusFailed
		log.Warn().Int("attempt", c.attempts).Msg("giving up reconnecting")
		return StatusChange{Status: StatusFailed, Attempt: c.attempts, Err: cerr}
	}

	c.attempts++
	delay := c.baseDelay * time.Duration(c.attempts)
	c.status = StatusReconnecting
	gen := c.gen
	c.timer = c.clock.AfterFunc(delay, func() {
		c.reconnect(gen)
	})

	log.Info().Int("attempt", c.attempts).Dur("delay", delay).Msg("scheduled reconnect")
	return StatusChange{Status: StatusReconnecting, Attempt: c.attempts, Delay: delay, Err: cerr}
}

func (c *Client) reconnect(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || c.status != StatusReconnecting {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	c.gen++
	gen = c.gen
	c.status = StatusConnecting
	attempt := c.attempts
	listeners := c.listenersLocked()
	c.mu.Unlock()

	log.Debug().Int("attempt", attempt).Str("url", c.url).Msg("reconnecting")
	notify(listeners, StatusChange{Status: StatusConnecting, Attempt: attempt})

	conn, err := c.dial(context.Background())

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		if conn != nil {
			_ = conn.Close(websocket.StatusNormalClosure, "client disconnected")
		}
		return
	}
	var change StatusChange
	if err != nil {
		log.Warn().Err(err).Int("attempt", attempt).Msg("reconnect failed")
		change = c.scheduleReconnectLocked(err)
	} else {
		change = c.startLocked(conn, gen)
	}
	listeners = c.listenersLocked()
	c.mu.Unlock()

	notify(listeners, change)
}

// Disconnect closes the connection, cancels any pending reconnect and
// removes all message handlers and status listeners.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.gen++
	c.stopTimerLocked()
	if c.stopLoops != nil {
		c.stopLoops()
		c.stopLoops = nil
	}
	conn := c.conn
	c.conn = nil
	previous := c.status
	c.status = StatusDisconnected
	c.attempts = 0
	c.handlers = map[string]Handler{}
	listeners := c.listeners
	c.listeners = nil
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "client disconnected")
	}
	if previous != StatusDisconnected {
		log.Debug().Str("url", c.url).Msg("disconnected")
		notify(listeners, StatusChange{Status: StatusDisconnected})
	}
}

func (c *Client) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

// Send marshals v and writes it to the connection. It returns whether the
// frame was actually written.
func (c *Client) Send(v interface{}) bool {
	c.mu.Lock()
	conn := c.conn
	connected := c.status == StatusConnected
	c.mu.Unlock()

	if !connected || conn == nil {
		log.Debug().Msg("not connected, frame not sent")
		return false
	}

	data, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Msg("could not encode frame")
		return false
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	ctx := context.Background()
	if c.writeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.writeTimeout)
		defer cancel()
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		log.Warn().Err(err).Msg("could not write frame")
		return false
	}
	return true
}

func (c *Client) SendChatMessage(conversationID conversation.ConversationID, parentID conversation.NodeID, text string) bool {
	return c.Send(NewChatMessage(conversationID, parentID, text))
}

// OnMessage registers the handler of a frame type, replacing any previous one.
// Handlers run on the read goroutine in arrival order.
func (c *Client) OnMessage(frameType string, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.handlers[frameType]; ok {
		log.Debug().Str("type", frameType).Msg("replacing frame handler")
	}
	c.handlers[frameType] = h
}

func (c *Client) OffMessage(frameType string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.handlers, frameType)
}

func (c *Client) OnStatus(l StatusListener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, l)
}

func (c *Client) listenersLocked() []StatusListener {
	return append([]StatusListener{}, c.listeners...)
}

func notify(listeners []StatusListener, change StatusChange) {
	for _, l := range listeners {
		l(change)
	}
}
