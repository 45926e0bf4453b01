// Package pipeline wires the live path: source -> per-symbol alignment and
// features -> decision engine -> sinks. Events shard by symbol hash so
// every symbol's state is owned by exactly one worker; the sink writer is a
// single goroutine so partition files never see concurrent writes.
package pipeline

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"ofipipe/internal/align"
	"ofipipe/internal/config"
	"ofipipe/internal/core"
	"ofipipe/internal/feature"
	"ofipipe/internal/ingest"
	"ofipipe/internal/model"
	"ofipipe/internal/paths"
	"ofipipe/internal/sink"
	"ofipipe/internal/telemetry"
)

const (
	eventBuf = 4096
	shardBuf = 1024
	emitBuf  = 1024
)

// emission is one unit of writer work: a finalized row, optionally with
// the signal it produced.
type emission struct {
	row *model.AlignedFeatureRow
	sig *model.Signal
}

// Pipeline owns the live run from source to sinks.
type Pipeline struct {
	cfg     *config.Config
	runID   string
	shards  int
	metrics *telemetry.Metrics
	export  telemetry.Exporter

	signalSink  sink.SignalSink
	featureSink *sink.JSONLSink
}

// New assembles a pipeline. featureSink may be nil to skip row persistence.
func New(cfg *config.Config, runID string, shards int, m *telemetry.Metrics,
	export telemetry.Exporter, signalSink sink.SignalSink, featureSink *sink.JSONLSink) *Pipeline {
	if shards <= 0 {
		shards = 4
	}
	return &Pipeline{
		cfg:         cfg,
		runID:       runID,
		shards:      shards,
		metrics:     m,
		export:      export,
		signalSink:  signalSink,
		featureSink: featureSink,
	}
}

// Run consumes the source to exhaustion or cancellation, then drains every
// stage in order: source, workers (flushing aligners), writer, sinks. The
// shutdown grace period bounds the drain.
func (p *Pipeline) Run(ctx context.Context, src ingest.Source) error {
	events := make(chan model.Event, eventBuf)
	shardChans := make([]chan model.Event, p.shards)
	for i := range shardChans {
		shardChans[i] = make(chan model.Event, shardBuf)
	}
	emissions := make(chan emission, emitBuf)

	srcErr := make(chan error, 1)
	go func() {
		defer close(events)
		srcErr <- src.Run(ctx, events)
	}()

	go p.dispatch(events, shardChans)

	var workers sync.WaitGroup
	for i := 0; i < p.shards; i++ {
		workers.Add(1)
		go func(shard int) {
			defer workers.Done()
			p.runShard(shard, shardChans[shard], emissions)
		}(i)
	}

	writerDone := make(chan error, 1)
	go func() {
		writerDone <- p.runWriter(emissions)
	}()

	workers.Wait()
	close(emissions)

	grace := time.Duration(p.cfg.ShutdownGraceSec) * time.Second
	drainCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()

	var firstErr error
	select {
	case err := <-writerDone:
		firstErr = err
	case <-drainCtx.Done():
		firstErr = drainCtx.Err()
		log.Error().Msg("writer drain exceeded shutdown grace")
	}

	if err := p.signalSink.Close(drainCtx); err != nil && firstErr == nil {
		firstErr = err
	}
	if p.featureSink != nil {
		if err := p.featureSink.Close(drainCtx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := p.export.Close(drainCtx); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := <-srcErr; err != nil && err != context.Canceled && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func (p *Pipeline) dispatch(events <-chan model.Event, shards []chan model.Event) {
	defer func() {
		for _, ch := range shards {
			close(ch)
		}
	}()
	for ev := range events {
		shards[shardFor(ev.Symbol, len(shards))] <- ev
	}
}

func shardFor(symbol string, n int) int {
	h := fnv.New32a()
	h.Write([]byte(symbol))
	return int(h.Sum32() % uint32(n))
}

// symbolState is everything one worker holds for one symbol.
type symbolState struct {
	aligner *align.Aligner
	pipe    *feature.Pipe
}

func (p *Pipeline) runShard(shard int, in <-chan model.Event, out chan<- emission) {
	states := make(map[string]*symbolState)
	algo := core.New(p.cfg.Signal, p.cfg.Components.Fusion, p.runID, p.cfg.Hash(), p.cfg.ReplayMode)

	for ev := range in {
		st, ok := states[ev.Symbol]
		if !ok {
			st = &symbolState{
				aligner: align.New(ev.Symbol, p.cfg.Align.GapThresholdSec),
				pipe:    feature.NewPipe(p.cfg.Components, p.cfg.Signal),
			}
			states[ev.Symbol] = st
		}
		p.metrics.EventsIn.WithLabelValues(ev.Symbol, string(ev.Kind)).Inc()

		// rows completed by this event predate it; finalize them on the
		// feature state as it was before the event
		for _, row := range st.aligner.Push(ev) {
			p.finalize(st, &row, algo, out)
		}
		st.pipe.OnEvent(ev)
	}

	// end of stream: flush the partial second of every symbol
	for _, st := range states {
		for _, row := range st.aligner.Flush() {
			p.finalize(st, &row, algo, out)
		}
	}
	log.Debug().Int("shard", shard).Int("symbols", len(states)).Msg("shard drained")
}

func (p *Pipeline) finalize(st *symbolState, row *model.AlignedFeatureRow, algo *core.Algorithm, out chan<- emission) {
	st.pipe.Finalize(row)
	p.metrics.RowsEmitted.WithLabelValues(row.Symbol).Inc()

	sig := algo.Process(row)
	if sig != nil {
		p.metrics.SignalsEmitted.WithLabelValues(sig.Symbol, sig.DecisionCode).Inc()
		if len(sig.Gating) > 0 {
			p.metrics.SignalsGated.WithLabelValues(sig.Gating[0]).Inc()
		}
	}
	out <- emission{row: row, sig: sig}
}

// runWriter is the single sink goroutine. Write errors on one emission are
// logged and counted; the stream continues.
func (p *Pipeline) runWriter(emissions <-chan emission) error {
	ctx := context.Background()
	for em := range emissions {
		if p.featureSink != nil {
			line, err := json.Marshal(em.row)
			if err == nil {
				err = p.featureSink.WriteLine(em.row.Symbol, em.row.TsMs, line)
			}
			if err != nil {
				p.metrics.SinkErrors.WithLabelValues(paths.KindFeatures).Inc()
				log.Error().Err(err).Str("symbol", em.row.Symbol).Msg("feature row write failed")
			} else {
				p.metrics.SinkWrites.WithLabelValues(paths.KindFeatures).Inc()
			}
		}
		if err := p.export.ExportRow(ctx, em.row); err != nil {
			log.Warn().Err(err).Msg("row export failed")
		}

		if em.sig == nil {
			continue
		}
		if err := p.signalSink.Write(ctx, em.sig); err != nil {
			p.metrics.SinkErrors.WithLabelValues(paths.KindSignals).Inc()
			log.Error().Err(err).Str("signal_id", em.sig.SignalID).Msg("signal write failed")
		} else {
			p.metrics.SinkWrites.WithLabelValues(paths.KindSignals).Inc()
		}
		if err := p.export.ExportSignal(ctx, em.sig); err != nil {
			log.Warn().Err(err).Msg("signal export failed")
		}
	}
	return nil
}
