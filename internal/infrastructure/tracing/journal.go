package tracing

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/bytedance/sonic"
	"github.com/klauspost/compress/zstd"
	"go.uber.org/multierr"
)

// Journal is an event Sink writing zstd-compressed NDJSON.
type Journal struct {
	mu   sync.Mutex
	zw   *zstd.Encoder
	file io.Closer
}

// NewJournal writes compressed events to w. Closing the journal does not close w.
func NewJournal(w io.Writer) (*Journal, error) {
	zw, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, fmt.Errorf("failed to create journal encoder: %w", err)
	}
	return &Journal{zw: zw}, nil
}

// OpenJournal appends to the journal file at path. Each process run adds
// one zstd frame; readers decode concatenated frames transparently.
func OpenJournal(path string) (*Journal, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	j, err := NewJournal(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	j.file = f
	return j, nil
}

// Write appends one event line
func (j *Journal) Write(ev Event) error {
	line, err := sonic.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	line = append(line, '\n')

	j.mu.Lock()
	defer j.mu.Unlock()
	_, err = j.zw.Write(line)
	return err
}

// Flush pushes buffered events to the underlying writer
func (j *Journal) Flush() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.zw.Flush()
}

// Close finishes the zstd frame and closes the file if the journal opened it.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	err := j.zw.Close()
	if j.file != nil {
		err = multierr.Append(err, j.file.Close())
		j.file = nil
	}
	return err
}

// ReadJournal decodes every event in a journal stream.
func ReadJournal(r io.Reader) ([]Event, error) {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	defer zr.Close()

	var events []Event
	scanner := bufio.NewScanner(zr)
	for scanner.Scan() {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var ev Event
		if err := sonic.Unmarshal(scanner.Bytes(), &ev); err != nil {
			return events, fmt.Errorf("failed to decode event %d: %w", len(events)+1, err)
		}
		events = append(events, ev)
	}
	if err := scanner.Err(); err != nil {
		return events, fmt.Errorf("failed to read journal: %w", err)
	}
	return events, nil
}
