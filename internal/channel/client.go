// Package channel multiplexes logical table subscriptions over one
// websocket connection per client, reconnecting with backoff.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
	"nhooyr.io/websocket"

	"github.com/agentworkforce/patchsync/internal/retry"
	"github.com/agentworkforce/patchsync/internal/synctable"
)

const (
	DefaultMinConnectWait = 5 * time.Second
	DefaultInitialBackoff = 250 * time.Millisecond
	DefaultMaxBackoff     = 5 * time.Second
	DefaultPingInterval   = 30 * time.Second
	DefaultWriteTimeout   = 10 * time.Second
	DefaultInitTimeout    = 30 * time.Second
)

type ClientOptions struct {
	URL        string
	Token      string
	InstanceID string
	ProjectID  string
	// UserID authors patches written through OpenDocument. It must match
	// the token's user.
	UserID int

	MinConnectWait time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	PingInterval   time.Duration
	WriteTimeout   time.Duration
	InitTimeout    time.Duration

	HTTPClient *http.Client
	Logger     zerolog.Logger
}

func (o ClientOptions) withDefaults() ClientOptions {
	if o.MinConnectWait == 0 {
		o.MinConnectWait = DefaultMinConnectWait
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = DefaultInitialBackoff
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = DefaultMaxBackoff
	}
	if o.PingInterval == 0 {
		o.PingInterval = DefaultPingInterval
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
	if o.InitTimeout == 0 {
		o.InitTimeout = DefaultInitTimeout
	}
	return o
}

// Client owns the physical connection and the cache of open channels.
// A process normally holds one.
type Client struct {
	opts ClientOptions
	log  zerolog.Logger

	dialGroup singleflight.Group

	mu       sync.Mutex
	phys     *physical
	channels map[string]*Channel
	closed   bool

	skewMu    sync.Mutex
	skew      time.Duration
	skewKnown bool
}

func NewClient(opts ClientOptions) (*Client, error) {
	if strings.TrimSpace(opts.URL) == "" {
		return nil, errors.New("channel client requires a url")
	}
	opts = opts.withDefaults()
	return &Client{
		opts:     opts,
		log:      opts.Logger.With().Str("component", "channel").Logger(),
		channels: map[string]*Channel{},
	}, nil
}

func (c *Client) backoff() retry.Backoff {
	return retry.Backoff{Initial: c.opts.InitialBackoff, Max: c.opts.MaxBackoff, Factor: 2}
}

// physical returns the live connection, dialing it if needed. Concurrent
// callers share one dial.
func (c *Client) physical(ctx context.Context) (*physical, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if c.phys != nil && c.phys.alive() {
		p := c.phys
		c.mu.Unlock()
		return p, nil
	}
	c.mu.Unlock()

	v, err, _ := c.dialGroup.Do("dial", func() (any, error) {
		c.mu.Lock()
		if c.phys != nil && c.phys.alive() {
			p := c.phys
			c.mu.Unlock()
			return p, nil
		}
		c.mu.Unlock()

		header := http.Header{}
		if c.opts.Token != "" {
			header.Set("Authorization", "Bearer "+c.opts.Token)
		}
		conn, _, err := websocket.Dial(ctx, c.opts.URL, &websocket.DialOptions{
			HTTPClient: c.opts.HTTPClient,
			HTTPHeader: header,
		})
		if err != nil {
			return nil, err
		}
		p := newPhysical(conn, c.opts.WriteTimeout, c.log, c.dropPhysical)

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			_ = conn.CloseNow()
			return nil, ErrClosed
		}
		c.phys = p
		c.mu.Unlock()
		p.start(c.opts.PingInterval)
		c.log.Debug().Str("conn", p.id).Msg("connected")
		return p, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*physical), nil
}

func (c *Client) dropPhysical(p *physical) {
	c.mu.Lock()
	if c.phys == p {
		c.phys = nil
	}
	c.mu.Unlock()
}

// channelKey identifies a channel by instance, project, query and options.
func (c *Client) channelKey(query Query, opts TableOptions) (string, error) {
	q, err := json.Marshal(query)
	if err != nil {
		return "", err
	}
	o, err := json.Marshal(opts)
	if err != nil {
		return "", err
	}
	project := query.ProjectID
	if project == "" {
		project = c.opts.ProjectID
	}
	return c.opts.InstanceID + "-" + project + "-" + string(q) + "-" + string(o), nil
}

// OpenTable returns the table mirrored by the channel for query, opening
// the channel the first time. Every caller holds its own reference and
// releases it with Close on the table; the channel ends when the last
// one does. Unless opts.NoWait is set it waits for the first init.
func (c *Client) OpenTable(ctx context.Context, query Query, opts TableOptions) (*synctable.Table, error) {
	if query.ProjectID == "" {
		query.ProjectID = c.opts.ProjectID
	}
	key, err := c.channelKey(query, opts)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	ch, ok := c.channels[key]
	// A cached channel whose table already closed is on its way out.
	if !ok || !ch.table.Retain() {
		ch, err = newChannel(c, key, query, opts)
		if err != nil {
			c.mu.Unlock()
			return nil, err
		}
		c.channels[key] = ch
		go ch.run()
	}
	c.mu.Unlock()

	if !opts.NoWait {
		if err := ch.table.WaitConnected(ctx); err != nil {
			ch.table.Close()
			return nil, err
		}
	}
	return ch.table, nil
}

func (c *Client) forget(key string, ch *Channel) {
	c.mu.Lock()
	if c.channels[key] == ch {
		delete(c.channels, key)
	}
	c.mu.Unlock()
}

// Channels returns the number of open channels.
func (c *Client) Channels() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.channels)
}

// MeasureSkew estimates how far the local clock runs ahead of the
// server's, using one ping round trip.
func (c *Client) MeasureSkew(ctx context.Context) (time.Duration, error) {
	p, err := c.physical(ctx)
	if err != nil {
		return 0, err
	}
	msg, start, err := p.ping(ctx)
	if err != nil {
		return 0, err
	}
	rtt := time.Since(start)
	server := time.UnixMilli(msg.Time)
	return start.Add(rtt / 2).Sub(server), nil
}

// ClockSkew returns the measured skew, measuring it on first use.
func (c *Client) ClockSkew(ctx context.Context) (time.Duration, error) {
	c.skewMu.Lock()
	defer c.skewMu.Unlock()
	if c.skewKnown {
		return c.skew, nil
	}
	skew, err := c.MeasureSkew(ctx)
	if err != nil {
		return 0, err
	}
	c.skew, c.skewKnown = skew, true
	return skew, nil
}

// Close closes every channel and the connection.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	channels := make([]*Channel, 0, len(c.channels))
	for _, ch := range c.channels {
		channels = append(channels, ch)
	}
	phys := c.phys
	c.mu.Unlock()

	for _, ch := range channels {
		ch.Close()
	}
	if phys != nil {
		phys.close()
	}
}
