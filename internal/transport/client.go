// Package transport is the charge point's websocket connection to the central
// system. It delivers every text frame to a Handler and reconnects with capped
// exponential backoff until stopped.
package transport

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	Subprotocol = "ocpp1.6"

	defaultHandshakeTimeout = 5 * time.Second
	defaultReconnectMin     = time.Second
	defaultReconnectMax     = time.Minute
)

var (
	ErrNotConnected   = errors.New("websocket not connected")
	ErrAlreadyStarted = errors.New("client already started")
)

// Handler receives the connection events. Engine implementations satisfy it.
type Handler interface {
	HandleInboundBytes(data []byte)
	ConnectionUp()
	ConnectionLost(err error)
}

type Options struct {
	// URL is the full endpoint including the charge point id.
	URL string
	// Username and Password enable HTTP basic auth when Password is set.
	Username string
	Password string
	// TLS is used for wss:// endpoints.
	TLS              *tls.Config
	HandshakeTimeout time.Duration
	ReconnectMin     time.Duration
	ReconnectMax     time.Duration
	Logger           *logrus.Entry
}

type Client struct {
	opts    Options
	handler Handler
	log     *logrus.Entry
	dialer  *websocket.Dialer

	// writing guards data frames; control frames may be written concurrently
	writing sync.Mutex

	mu      sync.Mutex
	conn    *websocket.Conn
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

func NewClient(opts Options, handler Handler) *Client {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = defaultHandshakeTimeout
	}
	if opts.ReconnectMin <= 0 {
		opts.ReconnectMin = defaultReconnectMin
	}
	if opts.ReconnectMax < opts.ReconnectMin {
		opts.ReconnectMax = defaultReconnectMax
	}
	if opts.Logger == nil {
		opts.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Client{
		opts:    opts,
		handler: handler,
		log:     opts.Logger.WithField("url", opts.URL),
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: opts.HandshakeTimeout,
			Subprotocols:     []string{Subprotocol},
			TLSClientConfig:  opts.TLS,
		},
	}
}

// Start dials the central system once and returns the dial error, if any. On
// success the connection is served in the background and re-established after
// every loss until Stop is called.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.started = true
	c.cancel = cancel
	c.done = done
	c.mu.Unlock()

	conn, err := c.dial(ctx)
	if err != nil {
		c.mu.Lock()
		if c.done == done {
			c.started = false
		}
		c.mu.Unlock()
		cancel()
		close(done)
		return err
	}

	go c.run(runCtx, conn, done)
	return nil
}

// Stop closes the connection and ends the reconnect loop. It blocks until the
// background loop has exited.
func (c *Client) Stop() {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	c.started = false
	cancel, done := c.cancel, c.done
	c.mu.Unlock()

	cancel()
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = conn.Close()
	}
	<-done
}

func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Write sends one text frame.
func (c *Client) Write(data []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	c.writing.Lock()
	defer c.writing.Unlock()
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if c.opts.Password != "" {
		token := base64.StdEncoding.EncodeToString([]byte(c.opts.Username + ":" + c.opts.Password))
		header.Set("Authorization", "Basic "+token)
	}

	conn, resp, err := c.dialer.DialContext(ctx, c.opts.URL, header)
	if resp != nil && resp.Body != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", c.opts.URL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", c.opts.URL, err)
	}
	if conn.Subprotocol() != Subprotocol {
		c.log.WithField("subprotocol", conn.Subprotocol()).Warnln("Central system did not select ocpp1.6")
	}
	return conn, nil
}

func (c *Client) run(ctx context.Context, conn *websocket.Conn, done chan struct{}) {
	defer close(done)

	for {
		err := c.serve(ctx, conn)
		if ctx.Err() != nil {
			return
		}
		c.log.WithError(err).Warnln("Connection lost")

		conn = c.reconnect(ctx)
		if conn == nil {
			return
		}
	}
}

// serve owns conn until it fails. The handler sees ConnectionUp before the
// first frame and ConnectionLost after the last one.
func (c *Client) serve(ctx context.Context, conn *websocket.Conn) error {
	conn.SetPingHandler(func(appData string) error {
		c.log.Debugln("Got ping")
		err := conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(time.Second))
		if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
			return err
		}
		c.writing.Lock()
		defer c.writing.Unlock()
		return conn.WriteMessage(websocket.TextMessage, []byte("pong"))
	})
	conn.SetPongHandler(func(string) error {
		c.log.Debugln("Got pong")
		return nil
	})

	c.mu.Lock()
	if ctx.Err() != nil {
		c.mu.Unlock()
		_ = conn.Close()
		return ctx.Err()
	}
	c.conn = conn
	c.mu.Unlock()
	c.handler.ConnectionUp()

	var err error
	for {
		var kind int
		var data []byte
		kind, data, err = conn.ReadMessage()
		if err != nil {
			break
		}
		if kind != websocket.TextMessage {
			c.log.WithField("kind", kind).Debugln("Ignoring non-text frame")
			continue
		}
		c.handler.HandleInboundBytes(data)
	}

	c.mu.Lock()
	c.conn = nil
	c.mu.Unlock()
	_ = conn.Close()
	c.handler.ConnectionLost(err)
	return err
}

func (c *Client) reconnect(ctx context.Context) *websocket.Conn {
	delay := c.opts.ReconnectMin
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}

		conn, err := c.dial(ctx)
		if err == nil {
			c.log.Infoln("Reconnected")
			return conn
		}
		c.log.WithError(err).WithField("retry_in", delay).Warnln("Reconnect failed")

		delay *= 2
		if delay > c.opts.ReconnectMax {
			delay = c.opts.ReconnectMax
		}
	}
}
