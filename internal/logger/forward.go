package logger

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/axiomhq/axiom-go/axiom"
	"github.com/axiomhq/axiom-go/axiom/ingest"
	"github.com/rs/zerolog"
)

const (
	batchSize  = 200
	bufferSize = 1000
)

// ingester is the part of the Axiom client the forwarder uses.
type ingester interface {
	IngestEvents(ctx context.Context, dataset string, events []axiom.Event, options ...ingest.Option) (*ingest.Status, error)
}

func newAxiomIngester(token, orgID string) (ingester, error) {
	opts := []axiom.Option{axiom.SetToken(token)}
	if orgID != "" {
		opts = append(opts, axiom.SetOrganizationID(orgID))
	}
	return axiom.NewClient(opts...)
}

// forwarder is a zerolog.LevelWriter that ships events at or above minLevel to
// Axiom in batches. It never blocks logging: when the buffer is full events
// are counted as dropped.
type forwarder struct {
	ing      ingester
	dataset  string
	service  string
	minLevel zerolog.Level

	ch      chan axiom.Event
	done    chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
	dropped atomic.Int64
	failed  atomic.Int64
}

func newForwarder(ing ingester, dataset, service string, minLevel zerolog.Level, flushEvery time.Duration) *forwarder {
	if flushEvery <= 0 {
		flushEvery = 10 * time.Second
	}
	f := &forwarder{
		ing:      ing,
		dataset:  dataset,
		service:  service,
		minLevel: minLevel,
		ch:       make(chan axiom.Event, bufferSize),
		done:     make(chan struct{}),
	}
	f.wg.Add(1)
	go f.run(flushEvery)
	return f
}

func (f *forwarder) Write(p []byte) (int, error) {
	return f.WriteLevel(zerolog.InfoLevel, p)
}

func (f *forwarder) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	if level < f.minLevel || level == zerolog.NoLevel {
		return len(p), nil
	}
	select {
	case f.ch <- f.event(level, p):
	default:
		f.dropped.Add(1)
	}
	return len(p), nil
}

// event turns one zerolog JSON line into an Axiom event. The log's own
// timestamp becomes _time so batching delay does not skew it.
func (f *forwarder) event(level zerolog.Level, p []byte) axiom.Event {
	ev := axiom.Event{}
	if err := json.Unmarshal(p, &ev); err != nil {
		ev = axiom.Event{zerolog.MessageFieldName: string(p)}
	}
	ev["service"] = f.service
	ev[zerolog.LevelFieldName] = level.String()
	ts := time.Now()
	if raw, ok := ev[zerolog.TimestampFieldName].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			ts = t
		}
		delete(ev, zerolog.TimestampFieldName)
	}
	ev[ingest.TimestampField] = ts
	return ev
}

func (f *forwarder) run(flushEvery time.Duration) {
	defer f.wg.Done()
	ticker := time.NewTicker(flushEvery)
	defer ticker.Stop()
	batch := make([]axiom.Event, 0, batchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		st, err := f.ing.IngestEvents(ctx, f.dataset, batch)
		cancel()
		switch {
		case err != nil:
			f.failed.Add(int64(len(batch)))
			fmt.Fprintf(os.Stderr, "axiom ingest: %v\n", err)
		case st != nil && st.Failed > 0:
			f.failed.Add(int64(st.Failed))
		}
		batch = batch[:0]
	}
	for {
		select {
		case ev := <-f.ch:
			batch = append(batch, ev)
			if len(batch) >= batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-f.done:
			for {
				select {
				case ev := <-f.ch:
					batch = append(batch, ev)
				default:
					flush()
					return
				}
			}
		}
	}
}

// Close drains buffered events and waits for the final flush.
func (f *forwarder) Close() {
	f.once.Do(func() { close(f.done) })
	f.wg.Wait()
	if n := f.dropped.Load(); n > 0 {
		fmt.Fprintf(os.Stderr, "axiom: %d log events dropped (buffer full)\n", n)
	}
}
