package source

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/agentworkforce/patchsync/internal/retry"
	"github.com/agentworkforce/patchsync/internal/synctable"
)

// Binding connects a table directly to a source in the same process. It
// is the upstream of the table and keeps the table fed, reopening the
// source with backoff when its feed ends.
type Binding struct {
	table   *synctable.Table
	src     Source
	backoff retry.Backoff
	log     zerolog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func Bind(ctx context.Context, table *synctable.Table, src Source, backoff retry.Backoff, log zerolog.Logger) *Binding {
	ctx, cancel := context.WithCancel(ctx)
	b := &Binding{
		table:   table,
		src:     src,
		backoff: backoff,
		log:     log.With().Str("component", "binding").Str("table", table.Name()).Logger(),
		cancel:  cancel,
	}
	table.SetUpstream(b)
	b.wg.Add(1)
	go b.run(ctx)
	return b
}

func (b *Binding) Send(ctx context.Context, records []synctable.Record) ([]synctable.WriteResult, error) {
	return b.src.Write(ctx, records)
}

func (b *Binding) run(ctx context.Context) {
	defer b.wg.Done()
	failures := 0
	for {
		if ctx.Err() != nil {
			return
		}
		if failures > 0 {
			if err := retry.Wait(ctx, b.backoff.Delay(failures)); err != nil {
				return
			}
		}
		feed, err := b.src.Open(ctx)
		if err != nil {
			failures++
			b.log.Warn().Err(err).Int("failures", failures).Msg("open source")
			continue
		}
		if err := b.table.Init(feed.Init); err != nil {
			b.log.Debug().Err(err).Msg("init table")
			return
		}
		failures = 0
		for change := range feed.Changes {
			batch := []synctable.VersionedChange{change}
		drain:
			for {
				select {
				case more, ok := <-feed.Changes:
					if !ok {
						break drain
					}
					batch = append(batch, more)
				default:
					break drain
				}
			}
			if err := b.table.ApplyChanges(batch); err != nil {
				b.log.Debug().Err(err).Msg("apply changes")
			}
		}
		b.table.Disconnect()
		if ctx.Err() == nil {
			failures = 1
		}
	}
}

// Close stops feeding the table and waits for the feed loop to exit.
func (b *Binding) Close() {
	b.cancel()
	b.wg.Wait()
}
