package sink

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"ofipipe/internal/model"
)

// DualSink fans every signal out to the JSONL primary and the SQLite
// mirror. A write succeeds when at least one side accepted it; the write
// fails only when both sides reject. Per-side failures are counted so the
// run manifest can report the divergence.
type DualSink struct {
	primary   SignalSink
	secondary SignalSink

	PrimaryErrs   int64
	SecondaryErrs int64
}

// NewDual wraps the two sinks. Order matters: primary is the JSONL side of
// the parity contract.
func NewDual(primary, secondary SignalSink) *DualSink {
	return &DualSink{primary: primary, secondary: secondary}
}

// Write delivers to both sides.
func (d *DualSink) Write(ctx context.Context, sig *model.Signal) error {
	pErr := d.primary.Write(ctx, sig)
	if pErr != nil {
		d.PrimaryErrs++
		log.Error().Err(pErr).Str("signal_id", sig.SignalID).Msg("primary sink write failed")
	}
	sErr := d.secondary.Write(ctx, sig)
	if sErr != nil {
		d.SecondaryErrs++
		log.Error().Err(sErr).Str("signal_id", sig.SignalID).Msg("secondary sink write failed")
	}
	if pErr != nil && sErr != nil {
		return fmt.Errorf("both sinks failed: primary: %v, secondary: %w", pErr, sErr)
	}
	return nil
}

// Close closes both sides, returning the first error.
func (d *DualSink) Close(ctx context.Context) error {
	pErr := d.primary.Close(ctx)
	sErr := d.secondary.Close(ctx)
	if pErr != nil {
		return pErr
	}
	return sErr
}
