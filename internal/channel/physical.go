package channel

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/xid"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const readLimit = 32 << 20

// physical is the one websocket connection shared by every logical
// channel of a Client.
type physical struct {
	id           string
	conn         *websocket.Conn
	writeTimeout time.Duration
	log          zerolog.Logger
	onFail       func(p *physical)

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	channels map[string]*Channel
	pongs    map[uint64]chan Message
	nextPing uint64
	err      error
	done     chan struct{}
	failOnce sync.Once
}

func newPhysical(conn *websocket.Conn, writeTimeout time.Duration, log zerolog.Logger, onFail func(*physical)) *physical {
	conn.SetReadLimit(readLimit)
	id := xid.New().String()
	ctx, cancel := context.WithCancel(context.Background())
	return &physical{
		id:           id,
		conn:         conn,
		writeTimeout: writeTimeout,
		log:          log.With().Str("conn", id).Logger(),
		onFail:       onFail,
		ctx:          ctx,
		cancel:       cancel,
		channels:     map[string]*Channel{},
		pongs:        map[uint64]chan Message{},
		done:         make(chan struct{}),
	}
}

func (p *physical) start(pingInterval time.Duration) {
	go p.readLoop()
	if pingInterval > 0 {
		go p.pingLoop(pingInterval)
	}
}

func (p *physical) alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

func (p *physical) write(ctx context.Context, msg Message) error {
	if !p.alive() {
		return ErrDisconnected
	}
	if p.writeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.writeTimeout)
		defer cancel()
	}
	if err := wsjson.Write(ctx, p.conn, msg); err != nil {
		p.fail(err)
		return errors.Join(ErrDisconnected, err)
	}
	return nil
}

func (p *physical) register(id string, ch *Channel) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.alive() {
		return false
	}
	p.channels[id] = ch
	return true
}

func (p *physical) unregister(id string) {
	p.mu.Lock()
	delete(p.channels, id)
	p.mu.Unlock()
}

func (p *physical) readLoop() {
	for {
		var msg Message
		if err := wsjson.Read(p.ctx, p.conn, &msg); err != nil {
			p.fail(err)
			return
		}
		p.dispatch(msg)
	}
}

// dispatch runs in the read loop, so messages for one channel are
// handled in arrival order.
func (p *physical) dispatch(msg Message) {
	p.mu.Lock()
	if msg.Type == TypePong {
		reply, ok := p.pongs[msg.Seq]
		delete(p.pongs, msg.Seq)
		p.mu.Unlock()
		if ok {
			reply <- msg
		}
		return
	}
	ch, ok := p.channels[msg.Channel]
	p.mu.Unlock()
	if !ok {
		p.log.Debug().Str("channel", msg.Channel).Str("type", string(msg.Type)).Msg("message for unknown channel")
		return
	}
	ch.handle(p, msg)
}

// ping sends an application level ping and returns the server's reply.
func (p *physical) ping(ctx context.Context) (Message, time.Time, error) {
	reply := make(chan Message, 1)
	p.mu.Lock()
	p.nextPing++
	seq := p.nextPing
	p.pongs[seq] = reply
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.pongs, seq)
		p.mu.Unlock()
	}()

	start := time.Now()
	if err := p.write(ctx, Message{Type: TypePing, Seq: seq, Time: start.UnixMilli()}); err != nil {
		return Message{}, start, err
	}
	select {
	case msg := <-reply:
		return msg, start, nil
	case <-p.done:
		return Message{}, start, ErrDisconnected
	case <-ctx.Done():
		return Message{}, start, ctx.Err()
	}
}

func (p *physical) pingLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(p.ctx, interval)
			err := p.conn.Ping(ctx)
			cancel()
			if err != nil {
				p.fail(err)
				return
			}
		}
	}
}

// fail tears the connection down once and tells every registered channel.
func (p *physical) fail(err error) {
	p.failOnce.Do(func() {
		p.mu.Lock()
		p.err = err
		close(p.done)
		channels := make([]*Channel, 0, len(p.channels))
		for _, ch := range p.channels {
			channels = append(channels, ch)
		}
		p.channels = map[string]*Channel{}
		p.mu.Unlock()

		p.cancel()
		_ = p.conn.CloseNow()
		if p.onFail != nil {
			p.onFail(p)
		}
		if err != nil && !errors.Is(err, context.Canceled) {
			p.log.Info().Err(err).Int("channels", len(channels)).Msg("connection lost")
		}
		for _, ch := range channels {
			ch.lost(p)
		}
	})
}

func (p *physical) close() {
	p.fail(nil)
}
