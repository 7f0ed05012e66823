package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/agentworkforce/patchsync/internal/synctable"
)

var (
	ErrDisconnected = errors.New("channel disconnected")
	ErrClosed       = errors.New("channel closed")
)

// Channel is one logical subscription multiplexed over the client's
// physical connection. It keeps its table connected until closed.
type Channel struct {
	client *Client
	key    string
	query  Query
	opts   TableOptions
	table  *synctable.Table
	log    zerolog.Logger

	reconnect    *reconnector
	connectGroup singleflight.Group

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	id       string
	phys     *physical
	initWait chan Message
	lostCh   chan struct{}
	seq      uint64
	acks     map[uint64]chan Message
	closed   bool
}

func newChannel(client *Client, key string, query Query, opts TableOptions) (*Channel, error) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := &Channel{
		client:    client,
		key:       key,
		query:     query,
		opts:      opts,
		log:       client.log.With().Str("table", query.Table).Str("path", query.Path).Logger(),
		reconnect: newReconnector(client.opts.MinConnectWait, client.backoff()),
		ctx:       ctx,
		cancel:    cancel,
		acks:      map[uint64]chan Message{},
	}
	table, err := synctable.New(synctable.Options{
		Name:          query.Table,
		PrimaryKeys:   opts.PrimaryKeys,
		WriteOnce:     opts.WriteOnce,
		Schema:        opts.Schema,
		FlushInterval: opts.FlushInterval,
		RetryBackoff:  client.backoff(),
		OnClose:       ch.teardown,
		Logger:        client.log,
	})
	if err != nil {
		cancel()
		return nil, err
	}
	ch.table = table
	table.SetUpstream(ch)
	return ch, nil
}

func (ch *Channel) Table() *synctable.Table { return ch.table }

func (ch *Channel) Key() string { return ch.key }

func (ch *Channel) run() {
	for {
		if err := ch.connect(ch.ctx); err != nil {
			if ch.ctx.Err() != nil {
				return
			}
			ch.log.Debug().Err(err).Msg("connect attempt failed")
			continue
		}
		ch.mu.Lock()
		lost := ch.lostCh
		ch.mu.Unlock()
		select {
		case <-lost:
		case <-ch.ctx.Done():
			return
		}
	}
}

// connect runs one attempt. Concurrent callers share it.
func (ch *Channel) connect(ctx context.Context) error {
	_, err, _ := ch.connectGroup.Do("connect", func() (any, error) {
		return nil, ch.attempt(ctx)
	})
	return err
}

func (ch *Channel) attempt(ctx context.Context) error {
	if err := ch.reconnect.Wait(ctx); err != nil {
		return err
	}
	if err := ch.tryOpen(ctx); err != nil {
		ch.reconnect.Failure()
		return err
	}
	ch.reconnect.Success()
	return nil
}

func (ch *Channel) tryOpen(ctx context.Context) error {
	phys, err := ch.client.physical(ctx)
	if err != nil {
		return err
	}
	id := ulid.Make().String()
	initWait := make(chan Message, 1)

	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return ErrClosed
	}
	ch.id = id
	ch.phys = phys
	ch.initWait = initWait
	ch.lostCh = make(chan struct{})
	ch.mu.Unlock()

	if !phys.register(id, ch) {
		ch.detach(phys, id)
		return ErrDisconnected
	}
	query := ch.query
	opts := ch.opts
	if err := phys.write(ctx, Message{Type: TypeOpen, Channel: id, Query: &query, Options: &opts}); err != nil {
		ch.detach(phys, id)
		return err
	}

	var timeout <-chan time.Time
	if d := ch.client.opts.InitTimeout; d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		timeout = timer.C
	}
	select {
	case msg := <-initWait:
		if msg.Type == TypeError {
			ch.detach(phys, id)
			return fmt.Errorf("open %s: %s", ch.query.Table, msg.Error)
		}
		ch.log.Debug().Str("channel", id).Int("records", len(msg.Records)).Msg("channel initialized")
		return nil
	case <-phys.done:
		ch.detach(phys, id)
		return ErrDisconnected
	case <-timeout:
		ch.detach(phys, id)
		return fmt.Errorf("open %s: timed out waiting for init", ch.query.Table)
	case <-ctx.Done():
		ch.detach(phys, id)
		return ctx.Err()
	}
}

// handle is called from the physical read loop.
func (ch *Channel) handle(phys *physical, msg Message) {
	ch.mu.Lock()
	if ch.phys != phys || ch.id != msg.Channel {
		ch.mu.Unlock()
		return
	}
	initWait := ch.initWait
	ch.mu.Unlock()

	switch msg.Type {
	case TypeInit:
		if err := ch.table.Init(msg.Records); err != nil {
			ch.log.Warn().Err(err).Msg("init rejected")
			return
		}
		ch.mu.Lock()
		ch.initWait = nil
		ch.mu.Unlock()
		if initWait != nil {
			initWait <- msg
		}
	case TypeVersionedChanges:
		if err := ch.table.ApplyChanges(msg.Changes); err != nil {
			ch.log.Warn().Err(err).Msg("apply changes")
		}
	case TypeAck:
		ch.mu.Lock()
		reply, ok := ch.acks[msg.Seq]
		delete(ch.acks, msg.Seq)
		ch.mu.Unlock()
		if ok {
			reply <- msg
		}
	case TypeError:
		if msg.Seq != 0 {
			ch.mu.Lock()
			reply, ok := ch.acks[msg.Seq]
			delete(ch.acks, msg.Seq)
			ch.mu.Unlock()
			if ok {
				reply <- msg
			}
			return
		}
		if initWait != nil {
			ch.mu.Lock()
			ch.initWait = nil
			ch.mu.Unlock()
			initWait <- msg
			return
		}
		ch.log.Warn().Str("error", msg.Error).Msg("server error")
		ch.detach(phys, msg.Channel)
	case TypeEnd:
		ch.detach(phys, msg.Channel)
	}
}

// lost is called when the physical connection fails.
func (ch *Channel) lost(phys *physical) {
	ch.mu.Lock()
	id := ch.id
	ch.mu.Unlock()
	ch.detach(phys, id)
}

// detach forgets the current attempt if it still belongs to phys and id.
// Outstanding sends fail and the table goes back to disconnected.
func (ch *Channel) detach(phys *physical, id string) {
	ch.mu.Lock()
	if ch.phys != phys || ch.id != id {
		ch.mu.Unlock()
		return
	}
	ch.phys = nil
	ch.initWait = nil
	acks := ch.acks
	ch.acks = map[uint64]chan Message{}
	lost := ch.lostCh
	ch.mu.Unlock()

	phys.unregister(id)
	for _, reply := range acks {
		close(reply)
	}
	if lost != nil {
		select {
		case <-lost:
		default:
			close(lost)
		}
	}
	ch.table.Disconnect()
}

// Send writes records upstream and waits for the server's verdict.
func (ch *Channel) Send(ctx context.Context, records []synctable.Record) ([]synctable.WriteResult, error) {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return nil, ErrClosed
	}
	phys, id := ch.phys, ch.id
	if phys == nil || ch.initWait != nil {
		ch.mu.Unlock()
		return nil, ErrDisconnected
	}
	ch.seq++
	seq := ch.seq
	reply := make(chan Message, 1)
	ch.acks[seq] = reply
	ch.mu.Unlock()

	defer func() {
		ch.mu.Lock()
		delete(ch.acks, seq)
		ch.mu.Unlock()
	}()

	if err := phys.write(ctx, Message{Type: TypeTimedChanges, Channel: id, Seq: seq, Records: records}); err != nil {
		return nil, err
	}
	select {
	case msg, ok := <-reply:
		if !ok {
			return nil, ErrDisconnected
		}
		if msg.Type == TypeError {
			return nil, fmt.Errorf("write rejected: %s", msg.Error)
		}
		return msg.Results, nil
	case <-phys.done:
		return nil, ErrDisconnected
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close shuts the table down for every holder, which in turn tears the
// channel down.
func (ch *Channel) Close() {
	ch.table.Shutdown()
}

func (ch *Channel) teardown() {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return
	}
	ch.closed = true
	phys, id := ch.phys, ch.id
	ch.mu.Unlock()

	ch.cancel()
	if phys != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		_ = phys.write(ctx, Message{Type: TypeEnd, Channel: id})
		cancel()
		ch.detach(phys, id)
	}
	ch.client.forget(ch.key, ch)
}
