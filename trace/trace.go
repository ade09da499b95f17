// Package trace contains all logic for writing per-connection transport
// samples to files.
//  1. Maintains one open CSV file per live connection.
//  2. Uses a marshalling goroutine per connection, fed by a channel, so
//     recording never blocks the connection driver.
//  3. Names files by connection start time and UUID.
package trace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gocarina/gocsv"
)

// Error types.
var (
	ErrUnknownConnection = errors.New("trace: no open trace for connection")
	ErrAlreadyOpen       = errors.New("trace: trace already open for connection")
)

// Sample is one row of a connection trace.
type Sample struct {
	TimestampMs   int64   `csv:"timestamp_ms"`
	SmoothedRTTMs float64 `csv:"smoothed_rtt_ms"`
	MinRTTMs      float64 `csv:"min_rtt_ms"`
	Cwnd          int     `csv:"cwnd_bytes"`
	BytesInFlight int     `csv:"bytes_in_flight"`
	BytesSent     uint64  `csv:"bytes_sent"`
	BytesReceived uint64  `csv:"bytes_received"`
	PacketsLost   uint64  `csv:"packets_lost"`
	PTOCount      int     `csv:"pto_count"`
	MTU           int     `csv:"mtu_bytes"`
	Streams       int     `csv:"streams"`
}

type connTrace struct {
	ch   chan interface{}
	done chan struct{}
	file *os.File
}

// Saver writes connection traces beneath a directory.
// All methods are safe for concurrent use.
type Saver struct {
	dir string

	mu     sync.Mutex
	traces map[string]*connTrace
}

// NewSaver creates the trace directory if needed.
func NewSaver(dir string) (*Saver, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Saver{dir: dir, traces: make(map[string]*connTrace)}, nil
}

// Open starts a trace file for a connection.
func (s *Saver) Open(uuid string, start time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.traces[uuid]; ok {
		return ErrAlreadyOpen
	}
	name := fmt.Sprintf("%s_%s.csv", start.UTC().Format("20060102Z150405.000"), uuid)
	f, err := os.Create(filepath.Join(s.dir, name))
	if err != nil {
		return err
	}
	ct := &connTrace{
		ch:   make(chan interface{}, 64),
		done: make(chan struct{}),
		file: f,
	}
	s.traces[uuid] = ct
	go func() {
		// MarshalChan writes the header, then one row per sample until the
		// channel closes.
		gocsv.MarshalChan(ct.ch, gocsv.DefaultCSVWriter(f))
		f.Close()
		close(ct.done)
	}()
	return nil
}

// Record appends a sample to a connection's trace.  Samples are dropped,
// not blocked on, when the marshaller falls behind.
func (s *Saver) Record(uuid string, sample Sample) error {
	s.mu.Lock()
	ct, ok := s.traces[uuid]
	s.mu.Unlock()
	if !ok {
		return ErrUnknownConnection
	}
	select {
	case ct.ch <- sample:
	default:
	}
	return nil
}

// Close finishes a connection's trace and waits for the file to be
// written.
func (s *Saver) Close(uuid string) error {
	s.mu.Lock()
	ct, ok := s.traces[uuid]
	if ok {
		delete(s.traces, uuid)
	}
	s.mu.Unlock()
	if !ok {
		return ErrUnknownConnection
	}
	close(ct.ch)
	<-ct.done
	return nil
}

// CloseAll finishes every open trace.
func (s *Saver) CloseAll() {
	s.mu.Lock()
	traces := s.traces
	s.traces = make(map[string]*connTrace)
	s.mu.Unlock()
	for _, ct := range traces {
		close(ct.ch)
		<-ct.done
	}
}

// Load reads a trace file back into samples, for analysis tools and tests.
func Load(path string) ([]Sample, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var samples []Sample
	if err := gocsv.UnmarshalFile(f, &samples); err != nil {
		return nil, err
	}
	return samples, nil
}
