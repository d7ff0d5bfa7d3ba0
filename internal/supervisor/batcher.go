package supervisor

import (
	"log/slog"
	"time"

	"github.com/randomizedcoder/go-exec-source/internal/output"
	"github.com/randomizedcoder/go-exec-source/internal/parser"
	"github.com/randomizedcoder/go-exec-source/internal/telemetry"
)

// recordBatcher turns batches of lines from one stream of one child into
// records, writes them to the sink and reports each flushed batch.
type recordBatcher struct {
	command string
	stream  string
	pid     int
	host    string

	sink     *output.Sink
	emitter  *telemetry.Emitter
	logger   *slog.Logger
	onEvents func(count, bytes int)
	now      func() time.Time
}

// ParseBatch implements parser.BatchParser.
func (b *recordBatcher) ParseBatch(lines []string) {
	ts := b.now().UTC()
	records := make([]output.Record, len(lines))
	for i, line := range lines {
		records[i] = output.Record{
			Message:    line,
			Command:    b.command,
			Stream:     b.stream,
			PID:        b.pid,
			Host:       b.host,
			Timestamp:  ts,
			SourceType: output.SourceType,
		}
	}

	count, n, err := b.sink.Write(records)
	if err != nil {
		b.logger.Warn("sink_write_failed",
			"command", b.command,
			"stream", b.stream,
			"lines", len(lines),
			"error", err,
		)
		if count == 0 {
			return
		}
	}

	b.emitter.Emit(&telemetry.EventsReceived{
		Count:    uint64(count),
		Command:  b.command,
		ByteSize: uint64(n),
	})
	if b.onEvents != nil {
		b.onEvents(count, n)
	}
}

var _ parser.BatchParser = (*recordBatcher)(nil)
