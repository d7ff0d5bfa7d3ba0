// Package parser moves lines from a command's output pipes to the record
// sink through a bounded channel.
//
// Two-Layer Architecture:
//
//	Layer 1 (Reader): Reads lines from the pipe and queues them
//	Layer 2 (Parser): Consumes queued lines in batches at its own pace
//
// In blocking mode a full queue stalls the reader, which in turn stalls
// the child on its pipe write. In lossy mode the reader drops the line
// instead so the child never blocks.
package parser

import (
	"sync"
	"sync/atomic"
)

// DefaultBatchSize is the maximum number of lines handed to a BatchParser
// at once.
const DefaultBatchSize = 128

// LineParser consumes one line at a time.
type LineParser interface {
	ParseLine(line string)
}

// BatchParser consumes every line that is queued at the moment it is
// called, up to the batch size.
type BatchParser interface {
	ParseBatch(lines []string)
}

// LineSource abstracts the source of lines for a Pipeline.
//
// Lifecycle (MUST be followed by Supervisor):
//
//  1. source := NewXxxReader(...)
//  2. go source.Run()        // Start reading in goroutine
//  3. <-source.Done()        // Wait for EOF before cmd.Wait()
//
// The source is responsible for calling pipeline.CloseChannel() on exit.
type LineSource interface {
	// Run starts reading lines and feeding them to the pipeline.
	// MUST call pipeline.CloseChannel() on exit (via defer).
	// Blocks until source is exhausted or closed.
	Run()

	// Done returns a channel that is closed when Run has returned.
	Done() <-chan struct{}

	// Close stops the source and releases resources.
	// Safe to call multiple times (idempotent).
	Close() error

	// Stats returns (bytesRead, linesRead, healthy).
	Stats() (bytesRead int64, linesRead int64, healthy bool)

	// Err returns the read error that ended Run, or nil on clean EOF.
	Err() error
}

// Pipeline queues lines from one output stream of one command.
type Pipeline struct {
	command    string
	streamType string // "stdout" or "stderr"
	bufferSize int
	blocking   bool

	lineChan  chan string
	closeOnce sync.Once // Ensures CloseChannel() is idempotent

	// Pipeline health metrics (atomic for concurrent access)
	linesRead    int64
	linesDropped int64
	linesParsed  int64

	// Configurable threshold for degradation detection
	dropThreshold float64
}

// NewPipeline creates a line pipeline.
//
// Parameters:
//   - command: Command line, for logging
//   - streamType: "stdout" or "stderr"
//   - bufferSize: Channel buffer size (lines)
//   - dropThreshold: Fraction (0.0-1.0) above which the stream is degraded
//   - blocking: Apply backpressure instead of dropping when full
func NewPipeline(command, streamType string, bufferSize int, dropThreshold float64, blocking bool) *Pipeline {
	if bufferSize < 1 {
		bufferSize = 1000 // Default
	}
	if dropThreshold <= 0 {
		dropThreshold = 0.01 // Default 1%
	}

	return &Pipeline{
		command:       command,
		streamType:    streamType,
		bufferSize:    bufferSize,
		blocking:      blocking,
		lineChan:      make(chan string, bufferSize),
		dropThreshold: dropThreshold,
	}
}

// FeedLine queues a line. Returns true if queued, false if dropped.
// In blocking mode it waits for room and always returns true.
func (p *Pipeline) FeedLine(line string) bool {
	atomic.AddInt64(&p.linesRead, 1)

	if p.blocking {
		p.lineChan <- line
		return true
	}

	select {
	case p.lineChan <- line:
		return true
	default:
		// Channel full - drop intentionally to avoid blocking the child
		atomic.AddInt64(&p.linesDropped, 1)
		return false
	}
}

// CloseChannel closes the line channel, signaling the parser to stop.
// The data source MUST call this exactly once when it is done; it is the
// sole mechanism for parser goroutine termination.
//
// Safe to call multiple times (idempotent via sync.Once).
func (p *Pipeline) CloseChannel() {
	p.closeOnce.Do(func() {
		close(p.lineChan)
	})
}

// RunParser consumes lines one at a time.
//
// MUST run in dedicated goroutine. Blocks until lineChan is closed.
func (p *Pipeline) RunParser(parser LineParser) {
	for line := range p.lineChan {
		parser.ParseLine(line)
		atomic.AddInt64(&p.linesParsed, 1)
	}
}

// RunBatchParser consumes lines in batches: it blocks for the first line,
// then takes whatever else is already queued, up to maxBatch.
//
// MUST run in dedicated goroutine. Blocks until lineChan is closed.
func (p *Pipeline) RunBatchParser(parser BatchParser, maxBatch int) {
	if maxBatch < 1 {
		maxBatch = DefaultBatchSize
	}
	batch := make([]string, 0, maxBatch)

	for line := range p.lineChan {
		batch = append(batch[:0], line)

	fill:
		for len(batch) < maxBatch {
			select {
			case next, ok := <-p.lineChan:
				if !ok {
					break fill
				}
				batch = append(batch, next)
			default:
				break fill
			}
		}

		parser.ParseBatch(batch)
		atomic.AddInt64(&p.linesParsed, int64(len(batch)))
	}
}

// Stats returns pipeline health metrics.
//
// Returns:
//   - read: Total lines fed
//   - dropped: Lines dropped due to full channel
//   - parsed: Lines handed to a parser
func (p *Pipeline) Stats() (read, dropped, parsed int64) {
	return atomic.LoadInt64(&p.linesRead),
		atomic.LoadInt64(&p.linesDropped),
		atomic.LoadInt64(&p.linesParsed)
}

// DropRate returns the current drop rate as a fraction (0.0 to 1.0).
func (p *Pipeline) DropRate() float64 {
	read := atomic.LoadInt64(&p.linesRead)
	if read == 0 {
		return 0
	}
	dropped := atomic.LoadInt64(&p.linesDropped)
	return float64(dropped) / float64(read)
}

// IsDegraded returns true if drop rate exceeds the configured threshold.
func (p *Pipeline) IsDegraded() bool {
	return p.DropRate() > p.dropThreshold
}

// Command returns the command line this pipeline belongs to.
func (p *Pipeline) Command() string {
	return p.command
}

// StreamType returns "stdout" or "stderr".
func (p *Pipeline) StreamType() string {
	return p.streamType
}

// Blocking reports whether the pipeline applies backpressure.
func (p *Pipeline) Blocking() bool {
	return p.blocking
}

// DrainChannel reads and discards any remaining lines in the channel.
func (p *Pipeline) DrainChannel() {
	for range p.lineChan {
		// Discard
	}
}

// NoopParser is a parser that does nothing.
type NoopParser struct{}

// ParseLine does nothing.
func (NoopParser) ParseLine(string) {}

// ParseBatch does nothing.
func (NoopParser) ParseBatch([]string) {}
