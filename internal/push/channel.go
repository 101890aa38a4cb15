package push

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/matheus3301/parley/internal/bus"
	"github.com/matheus3301/parley/internal/status"
	"go.uber.org/zap"
)

const (
	initialBackoff = time.Second
	maxBackoff     = 30 * time.Second
	writeTimeout   = 5 * time.Second
)

// Channel maintains the websocket connection to the live endpoint. Inbound
// frames are decoded and republished on the bus under the "push." namespace;
// the channel itself holds no conversation state. Subscription dedup lives
// one layer up in the registry — this layer writes whatever it is told to.
type Channel struct {
	url     string
	token   string
	bus     *bus.Bus
	machine *status.Machine
	logger  *zap.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	cancel context.CancelFunc
	done   chan struct{}
}

// NewChannel creates a live channel for the given websocket URL.
func NewChannel(url, token string, b *bus.Bus, machine *status.Machine, logger *zap.Logger) *Channel {
	return &Channel{
		url:     url,
		token:   token,
		bus:     b,
		machine: machine,
		logger:  logger,
	}
}

// Start begins dialing and reading in the background, reconnecting with
// capped exponential backoff until the context is canceled or Stop is called.
func (c *Channel) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})
	go c.run(ctx)
}

// Stop tears the connection down and waits for the run loop to exit.
func (c *Channel) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Lock()
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.mu.Unlock()
	if c.done != nil {
		<-c.done
	}
}

// Subscribe writes a subscribe frame for the given conversation. Callers must
// go through the subscription registry; re-subscribing an already-subscribed
// channel can double-deliver events on some backends.
func (c *Channel) Subscribe(_ context.Context, conversationID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("live channel not connected")
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.conn.WriteJSON(subscribeFrame{Type: typeSubscribe, ConversationID: conversationID}); err != nil {
		return fmt.Errorf("write subscribe frame: %w", err)
	}
	return nil
}

func (c *Channel) run(ctx context.Context) {
	defer close(c.done)

	backoff := initialBackoff
	for {
		conn, err := c.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Warn("live channel dial failed", zap.Error(err), zap.Duration("retry_in", backoff))
			if terr := c.machine.Transition(status.Reconnecting); terr != nil {
				c.logger.Debug("status transition skipped", zap.Error(terr))
			}
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			if backoff *= 2; backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		backoff = initialBackoff
		c.setConn(conn)
		c.logger.Info("live channel connected")
		c.bus.Publish(bus.Event{Kind: "push.connected", Timestamp: time.Now()})

		readErr := c.readLoop(conn)
		c.setConn(nil)
		_ = conn.Close()

		if ctx.Err() != nil {
			return
		}
		c.logger.Warn("live channel disconnected", zap.Error(readErr))
		c.bus.Publish(bus.Event{Kind: "push.disconnected", Timestamp: time.Now()})
		if terr := c.machine.Transition(status.Reconnecting); terr != nil {
			c.logger.Debug("status transition skipped", zap.Error(terr))
		}
	}
}

func (c *Channel) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, c.url, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return conn, err
}

func (c *Channel) readLoop(conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		kind, payload, err := DecodeFrame(data)
		if err != nil {
			// Dropped, never fatal: one bad frame must not take the
			// dispatcher down.
			c.logger.Warn("dropping push frame", zap.Error(err))
			continue
		}
		c.bus.Publish(bus.Event{
			Kind:      "push." + kind,
			Timestamp: time.Now(),
			Payload:   payload,
		})
	}
}

func (c *Channel) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}
