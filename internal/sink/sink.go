// Package sink persists signals. Two concrete writers exist, JSONL
// partitions and a SQLite mirror, plus a dual fan-out that treats a write
// as successful when at least one side accepted it. Both sides of the
// dual sink must agree per the parity contract checked by this package's
// differ.
package sink

import (
	"context"

	"ofipipe/internal/model"
)

// SignalSink is the destination contract for the core pipeline and the
// replay feeder. Close must drain every buffered row before returning.
type SignalSink interface {
	Write(ctx context.Context, sig *model.Signal) error
	Close(ctx context.Context) error
}
