// Package output encodes lines read from executed commands into records
// and writes them to the downstream pipeline.
package output

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// SourceType is stamped on every record.
const SourceType = "exec"

// Stream names.
const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"
)

// Record is one line of command output.
type Record struct {
	Message    string    `json:"message" cbor:"message"`
	Command    string    `json:"command" cbor:"command"`
	Stream     string    `json:"stream" cbor:"stream"`
	PID        int       `json:"pid" cbor:"pid"`
	Host       string    `json:"host,omitempty" cbor:"host,omitempty"`
	Timestamp  time.Time `json:"timestamp" cbor:"timestamp"`
	SourceType string    `json:"source_type" cbor:"source_type"`
}

// Encoder serializes a record into a self-delimiting frame.
type Encoder interface {
	Encode(rec *Record) ([]byte, error)
	Name() string
}

// JSONEncoder writes newline-delimited JSON.
type JSONEncoder struct{}

// Encode implements Encoder.
func (JSONEncoder) Encode(rec *Record) ([]byte, error) {
	b, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

// Name implements Encoder.
func (JSONEncoder) Name() string { return "json" }

// CBOREncoder writes a sequence of CBOR data items using Core
// Deterministic Encoding, timestamps as RFC 3339 text.
type CBOREncoder struct {
	mode cbor.EncMode
}

// NewCBOREncoder creates a deterministic CBOR encoder.
func NewCBOREncoder() (*CBOREncoder, error) {
	opts := cbor.CoreDetEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	mode, err := opts.EncMode()
	if err != nil {
		return nil, fmt.Errorf("cbor encoder: %w", err)
	}
	return &CBOREncoder{mode: mode}, nil
}

// Encode implements Encoder.
func (e *CBOREncoder) Encode(rec *Record) ([]byte, error) {
	return e.mode.Marshal(rec)
}

// Name implements Encoder.
func (e *CBOREncoder) Name() string { return "cbor" }

// NewEncoder returns the encoder for the given name ("json" or "cbor").
func NewEncoder(name string) (Encoder, error) {
	switch strings.ToLower(name) {
	case "", "json":
		return JSONEncoder{}, nil
	case "cbor":
		return NewCBOREncoder()
	default:
		return nil, fmt.Errorf("unknown encoding %q", name)
	}
}

// Sink writes encoded records to a writer. Safe for concurrent use so that
// stdout and stderr batches of the same command can share it.
type Sink struct {
	mu  sync.Mutex
	w   io.Writer
	enc Encoder
}

// NewSink creates a sink.
func NewSink(w io.Writer, enc Encoder) *Sink {
	return &Sink{w: w, enc: enc}
}

// Write encodes and writes a batch of records. It returns the number of
// records and bytes written. Records that fail to encode are skipped and
// reported in the returned error; a write failure stops the batch.
func (s *Sink) Write(records []Record) (count int, bytes int, err error) {
	buf := make([]byte, 0, 256*len(records))
	var encErr error
	for i := range records {
		frame, err := s.enc.Encode(&records[i])
		if err != nil {
			encErr = fmt.Errorf("encode record: %w", err)
			continue
		}
		buf = append(buf, frame...)
		count++
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(buf) > 0 {
		if _, err := s.w.Write(buf); err != nil {
			return 0, 0, fmt.Errorf("write records: %w", err)
		}
	}
	return count, len(buf), encErr
}

// Encoding returns the encoder's name.
func (s *Sink) Encoding() string {
	return s.enc.Name()
}
