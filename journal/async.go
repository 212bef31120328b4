package journal

import (
	"log"
	"os"
	"sync"
)

var auditLog = log.New(os.Stderr, "journal: ", log.LstdFlags)

// Async wraps a journal so journal writes never stall the bar loop.
// Records flow through a buffered channel to one writer goroutine.
// Audits are best-effort and dropped when the buffer is full; trades,
// equity and the run row block instead, since losing them would
// silently corrupt the record of the run.
type Async struct {
	inner Journal
	ch    chan record
	wg    sync.WaitGroup

	mu      sync.Mutex
	dropped int
	err     error
}

type record struct {
	trade  *TradeRecord
	equity *EquitySnapshot
	audit  *BarAudit
	run    *RunRow
}

// NewAsync starts the writer goroutine. Buffer sizes around a few
// thousand comfortably cover a multi-year hourly run.
func NewAsync(inner Journal, buffer int) *Async {
	if buffer <= 0 {
		buffer = 4096
	}
	a := &Async{inner: inner, ch: make(chan record, buffer)}
	a.wg.Add(1)
	go a.drain()
	return a
}

func (a *Async) drain() {
	defer a.wg.Done()
	for rec := range a.ch {
		var err error
		switch {
		case rec.trade != nil:
			err = a.inner.RecordTrade(*rec.trade)
		case rec.equity != nil:
			err = a.inner.RecordEquity(*rec.equity)
		case rec.audit != nil:
			err = a.inner.RecordBarAudit(*rec.audit)
		case rec.run != nil:
			err = a.inner.RecordRun(*rec.run)
		}
		if err != nil {
			a.mu.Lock()
			if a.err == nil {
				a.err = err
			}
			a.mu.Unlock()
		}
	}
}

func (a *Async) RecordRun(r RunRow) error {
	a.ch <- record{run: &r}
	return nil
}

func (a *Async) RecordTrade(t TradeRecord) error {
	a.ch <- record{trade: &t}
	return nil
}

func (a *Async) RecordEquity(e EquitySnapshot) error {
	a.ch <- record{equity: &e}
	return nil
}

// RecordBarAudit enqueues without blocking and drops on a full buffer.
func (a *Async) RecordBarAudit(audit BarAudit) error {
	select {
	case a.ch <- record{audit: &audit}:
	default:
		a.mu.Lock()
		a.dropped++
		a.mu.Unlock()
	}
	return nil
}

// Dropped reports how many audits were discarded under backpressure.
func (a *Async) Dropped() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.dropped
}

// Close flushes the queue, closes the inner journal and returns the
// first write error seen, if any.
func (a *Async) Close() error {
	close(a.ch)
	a.wg.Wait()

	a.mu.Lock()
	if a.dropped > 0 {
		auditLog.Printf("dropped %d audit records under backpressure", a.dropped)
	}
	err := a.err
	a.mu.Unlock()

	if cerr := a.inner.Close(); err == nil {
		err = cerr
	}
	return err
}
