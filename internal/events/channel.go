package events

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/JakeFAU/sketch-tutor/internal/failure"
	"github.com/JakeFAU/sketch-tutor/internal/logging"
	"github.com/JakeFAU/sketch-tutor/internal/metrics"
)

const (
	// DefaultPath is appended to the backend address.
	DefaultPath = "/ws"
	// DefaultBuffer is the capacity of the delivery channel.
	DefaultBuffer = 64

	tokenHeader    = "X-Token"
	closeWriteWait = time.Second
)

// Options configures Dial.
type Options struct {
	Path    string
	Buffer  int
	Dialer  *websocket.Dialer
	Metrics *metrics.Metrics
	Logger  *zap.Logger
}

// Channel is one push-event connection. Events are delivered in arrival order
// on a bounded channel; when the consumer lags, the reader stops reading from
// the socket rather than dropping events.
type Channel struct {
	conn    *websocket.Conn
	out     chan Event
	closing chan struct{}
	done    chan struct{}
	metrics *metrics.Metrics
	logger  *zap.Logger

	closeOnce sync.Once
}

// URL maps the backend base address onto the channel scheme and appends path.
func URL(address, path string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(address))
	if err != nil {
		return "", fmt.Errorf("parse backend address: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported backend scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("backend address %q has no host", address)
	}
	if path == "" {
		path = DefaultPath
	}
	u.Path = strings.TrimRight(u.Path, "/") + path
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
}

// Dial opens the push channel and starts the reader goroutine.
func Dial(ctx context.Context, address, token string, opts Options) (*Channel, error) {
	target, err := URL(address, opts.Path)
	if err != nil {
		return nil, failure.Wrap(failure.ChannelError, "build channel url", err)
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	header := http.Header{}
	if token != "" {
		header.Set(tokenHeader, token)
	}
	conn, resp, err := dialer.DialContext(ctx, target, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, failure.Wrap(failure.ChannelError, "dial "+target, err)
	}
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	c := &Channel{
		conn:    conn,
		out:     make(chan Event, buffer),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
		metrics: opts.Metrics,
		logger:  logging.OrNop(opts.Logger),
	}
	c.logger.Info("event channel connected", zap.String("url", target))
	go c.read()
	return c, nil
}

// Events returns the delivery channel. It is closed after the connection ends.
func (c *Channel) Events() <-chan Event {
	return c.out
}

// Done is closed once the reader goroutine has exited.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// Close shuts the connection down exactly once. A locally closed channel does
// not synthesize a channel_closed event.
func (c *Channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closing)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client closing")
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWriteWait))
		err = c.conn.Close()
		<-c.done
	})
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("close event channel: %w", err)
	}
	return nil
}

func (c *Channel) read() {
	defer close(c.done)
	defer close(c.out)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.finish(err)
			return
		}
		evt, err := Decode(data)
		if err != nil {
			c.metrics.ObserveDrop("malformed")
			c.logger.Debug("dropping malformed event", zap.Error(err))
			continue
		}
		c.metrics.ObserveEvent(string(evt.Type))
		if !c.deliver(evt) {
			return
		}
	}
}

// finish synthesizes the connectivity events for a remote disconnect.
func (c *Channel) finish(err error) {
	select {
	case <-c.closing:
		return
	default:
	}
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		c.logger.Warn("event channel error", zap.Error(err))
		if !c.deliver(Event{Type: TypeChannelError, Err: failure.Wrap(failure.ChannelError, "read", err)}) {
			return
		}
	}
	c.logger.Info("event channel closed")
	c.deliver(Event{Type: TypeChannelClosed, Err: failure.Wrap(failure.ChannelClosed, "disconnected", err)})
}

func (c *Channel) deliver(evt Event) bool {
	select {
	case c.out <- evt:
		return true
	case <-c.closing:
		return false
	}
}
