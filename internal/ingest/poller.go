package ingest

import (
	"context"
	"time"

	"github.com/linnemanlabs/go-core/log"
)

// Poller pulls records from a Source on an interval and ingests them.
type Poller struct {
	src      Source
	adapter  *Adapter
	interval time.Duration
	logger   log.Logger
	now      func() time.Time

	// next is the start of the window not yet fetched.
	next time.Time
}

// NewPoller creates a poller whose first window starts lookback ago.
func NewPoller(src Source, adapter *Adapter, interval, lookback time.Duration, logger log.Logger) *Poller {
	if logger == nil {
		logger = log.Nop()
	}
	p := &Poller{
		src:      src,
		adapter:  adapter,
		interval: interval,
		logger:   logger,
		now:      time.Now,
	}
	p.next = p.now().Add(-lookback)
	return p
}

// Poll fetches and ingests one window. A failed fetch leaves the window in
// place so the next poll retries it.
func (p *Poller) Poll(ctx context.Context) (Result, error) {
	end := p.now()
	recs, err := p.src.Fetch(ctx, p.next, end)
	if err != nil {
		return Result{}, err
	}
	p.next = end
	if len(recs) == 0 {
		return Result{}, nil
	}
	return p.adapter.IngestSignals(ctx, recs)
}

// Run polls every interval until ctx is canceled.
func (p *Poller) Run(ctx context.Context) {
	t := time.NewTicker(p.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := p.Poll(ctx); err != nil {
				p.logger.Warn(ctx, "evidence poll failed", "error", err.Error())
			}
		}
	}
}
