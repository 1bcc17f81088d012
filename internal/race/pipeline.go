package race

import (
	"context"

	"github.com/trackside-data/lapline/internal/monitoring"
	"github.com/trackside-data/lapline/internal/rfid"
)

// DefaultIngestBuffer is the capacity of the shared ingestion channel.
// Reader sessions block briefly when the consumer falls behind; the buffer
// absorbs bursts from multi-antenna gates.
const DefaultIngestBuffer = 256

// Pipeline is the single consumer over the shared ingestion channel. All
// reader sessions write tag events into Events(); the pipeline debounces
// them and hands survivors to the race manager, one at a time. Running
// scoring on one goroutine keeps lap numbering race-free without locks on
// the hot path.
type Pipeline struct {
	events   chan rfid.TagEvent
	debounce *Debouncer
	manager  *Manager
	done     chan struct{}
}

// NewPipeline wires a debouncer and manager to a fresh ingestion channel of
// the given capacity (DefaultIngestBuffer when size <= 0).
func NewPipeline(debounce *Debouncer, manager *Manager, size int) *Pipeline {
	if size <= 0 {
		size = DefaultIngestBuffer
	}
	return &Pipeline{
		events:   make(chan rfid.TagEvent, size),
		debounce: debounce,
		manager:  manager,
		done:     make(chan struct{}),
	}
}

// Events returns the shared ingestion channel reader sessions publish to.
func (p *Pipeline) Events() chan rfid.TagEvent {
	return p.events
}

// Run consumes tag events until ctx is canceled. Store errors are logged and
// processing continues; a flaky disk must not stop the race clock.
func (p *Pipeline) Run(ctx context.Context) {
	defer close(p.done)
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-p.events:
			if !p.debounce.Accept(ev) {
				monitoring.Log.Debug().
					Str("epc", ev.EPC).
					Str("reader", ev.ReaderID).
					Msg("read suppressed by anti-bounce filter")
				continue
			}
			if err := p.manager.HandleEvent(ctx, ev); err != nil {
				monitoring.Log.Error().Err(err).
					Str("epc", ev.EPC).
					Str("reader", ev.ReaderID).
					Msg("scoring tag event")
			}
		}
	}
}

// Wait blocks until Run has returned.
func (p *Pipeline) Wait() {
	<-p.done
}
