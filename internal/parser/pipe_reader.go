package parser

import (
	"bufio"
	"errors"
	"io"
	"os"
	"sync"
	"sync/atomic"
)

// DefaultMaxLineSize is the default longest line accepted before
// truncation (1 MiB).
const DefaultMaxLineSize = 1 << 20

// PipeReader reads lines from an io.Reader (a command's stdout/stderr
// pipe). Implements the LineSource interface.
//
// Lines longer than maxLineSize are truncated to maxLineSize bytes; the
// remainder up to the next newline is discarded.
type PipeReader struct {
	reader      io.Reader
	pipeline    *Pipeline
	maxLineSize int
	doneChan    chan struct{}
	closed      atomic.Bool

	// Stats (atomic for thread-safety)
	bytesRead      atomic.Int64
	linesRead      atomic.Int64
	linesTruncated atomic.Int64

	errMu sync.Mutex
	err   error
}

// NewPipeReader creates a new pipe-based line source.
//
// The reader is typically cmd.StdoutPipe() or cmd.StderrPipe().
func NewPipeReader(r io.Reader, pipeline *Pipeline, maxLineSize int) *PipeReader {
	if maxLineSize < 1 {
		maxLineSize = DefaultMaxLineSize
	}
	return &PipeReader{
		reader:      r,
		pipeline:    pipeline,
		maxLineSize: maxLineSize,
		doneChan:    make(chan struct{}),
	}
}

// Run reads lines until EOF. Implements LineSource.
func (p *PipeReader) Run() {
	// Pipeline channel MUST be closed on exit
	defer close(p.doneChan)
	defer p.pipeline.CloseChannel()

	br := bufio.NewReaderSize(p.reader, 64*1024)
	var line []byte
	truncated := false

	for {
		chunk, isPrefix, err := br.ReadLine()
		p.bytesRead.Add(int64(len(chunk)))
		if len(chunk) > 0 && !truncated {
			room := p.maxLineSize - len(line)
			if len(chunk) > room {
				chunk = chunk[:room]
				truncated = true
			}
			line = append(line, chunk...)
		}

		if err != nil {
			// Flush a final unterminated line
			if len(line) > 0 {
				p.emit(line, truncated)
			}
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				p.setErr(err)
			}
			return
		}

		if isPrefix {
			continue
		}

		p.bytesRead.Add(1) // newline
		p.emit(line, truncated)
		line = line[:0]
		truncated = false
	}
}

func (p *PipeReader) emit(line []byte, truncated bool) {
	if truncated {
		p.linesTruncated.Add(1)
	}
	p.linesRead.Add(1)
	p.pipeline.FeedLine(string(line))
}

func (p *PipeReader) setErr(err error) {
	p.errMu.Lock()
	p.err = err
	p.errMu.Unlock()
}

// Done returns a channel closed when Run returns. Implements LineSource.
func (p *PipeReader) Done() <-chan struct{} {
	return p.doneChan
}

// Close marks the reader as closed.
// The underlying pipe is closed by the process exiting.
// Implements LineSource.
func (p *PipeReader) Close() error {
	p.closed.Store(true)
	return nil
}

// Stats returns (bytesRead, linesRead, healthy).
// Implements LineSource.
func (p *PipeReader) Stats() (bytesRead int64, linesRead int64, healthy bool) {
	return p.bytesRead.Load(),
		p.linesRead.Load(),
		!p.closed.Load() && p.Err() == nil
}

// Truncated returns the number of lines cut at maxLineSize.
func (p *PipeReader) Truncated() int64 {
	return p.linesTruncated.Load()
}

// Err returns the read error that ended Run. Implements LineSource.
func (p *PipeReader) Err() error {
	p.errMu.Lock()
	defer p.errMu.Unlock()
	return p.err
}

// Ensure PipeReader implements LineSource interface
var _ LineSource = (*PipeReader)(nil)
