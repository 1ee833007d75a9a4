// Package logstream collects container stdout/stderr into per-container
// JSONL files and replays them to readers, optionally following live
// output.
package logstream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/wharfd/wharfd/internal/domain"
	"github.com/wharfd/wharfd/pkg/logger"
)

// Entry is one recorded output line.
type Entry struct {
	Stream string    `json:"stream"` // "stdout" or "stderr"
	Time   time.Time `json:"time"`
	Line   string    `json:"line"`
}

// Manager owns the log directory and the set of live writers.
type Manager struct {
	dir string

	mu   sync.Mutex
	live map[string]*containerLog
}

// containerLog is the open log of one running container. Appends and
// follower registration share one lock so a reader switching from the
// file snapshot to live delivery cannot miss a line.
type containerLog struct {
	mu        sync.Mutex
	f         *os.File
	followers map[int]chan Entry
	nextID    int
	closed    bool
}

// NewManager creates the log directory if needed.
func NewManager(dir string) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create log directory %s: %w", dir, err)
	}
	return &Manager{dir: dir, live: make(map[string]*containerLog)}, nil
}

func (m *Manager) path(containerID string) string {
	return filepath.Join(m.dir, containerID+".log")
}

// OpenWriter returns the writer for one output stream of a container.
// Both streams of a container append to the same file; each carries its
// stream tag per line. Starting a container that already has a log
// appends, earlier runs stay readable.
func (m *Manager) OpenWriter(containerID, stream string) (io.WriteCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cl, ok := m.live[containerID]
	if !ok {
		f, err := os.OpenFile(m.path(containerID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return nil, fmt.Errorf("failed to open log for %s: %w", containerID, err)
		}
		cl = &containerLog{f: f, followers: make(map[int]chan Entry)}
		m.live[containerID] = cl
	}
	return &streamWriter{cl: cl, stream: stream}, nil
}

// Close ends collection for a container: flushes the file, ends live
// followers. Called when the container exits. The file itself stays for
// later reads.
func (m *Manager) Close(containerID string) {
	m.mu.Lock()
	cl, ok := m.live[containerID]
	delete(m.live, containerID)
	m.mu.Unlock()
	if !ok {
		return
	}
	cl.mu.Lock()
	defer cl.mu.Unlock()
	cl.closed = true
	for id, ch := range cl.followers {
		delete(cl.followers, id)
		close(ch)
	}
	if err := cl.f.Close(); err != nil {
		logger.Warn("Failed to close container log", "container", containerID, "error", err)
	}
}

// Remove deletes the log file. Called on container removal.
func (m *Manager) Remove(containerID string) error {
	m.Close(containerID)
	if err := os.Remove(m.path(containerID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove log for %s: %w", containerID, err)
	}
	return nil
}

// Read replays the recorded log from the beginning. With follow it then
// stays attached until the container's log closes or ctx is cancelled.
// Each reader gets an independent channel.
func (m *Manager) Read(ctx context.Context, containerID string, follow bool) (<-chan Entry, error) {
	m.mu.Lock()
	cl := m.live[containerID]
	m.mu.Unlock()

	if cl == nil {
		// Not running: serve the file alone.
		if _, err := os.Stat(m.path(containerID)); err != nil {
			return nil, &domain.NotFoundError{Kind: "log", Ref: containerID}
		}
	}

	out := make(chan Entry, 64)
	go func() {
		defer close(out)

		var liveCh chan Entry
		var liveID int
		snapshot, err := func() ([]Entry, error) {
			if cl != nil {
				cl.mu.Lock()
				defer cl.mu.Unlock()
			}
			entries, err := readEntries(m.path(containerID))
			if err != nil {
				return nil, err
			}
			if follow && cl != nil && !cl.closed {
				liveCh = make(chan Entry, 64)
				liveID = cl.nextID
				cl.nextID++
				cl.followers[liveID] = liveCh
			}
			return entries, nil
		}()
		if err != nil {
			logger.Warn("Failed to read container log", "container", containerID, "error", err)
			return
		}

		for _, e := range snapshot {
			select {
			case out <- e:
			case <-ctx.Done():
				m.dropFollower(cl, liveID, liveCh)
				return
			}
		}
		if liveCh == nil {
			return
		}
		for {
			select {
			case e, ok := <-liveCh:
				if !ok {
					return
				}
				select {
				case out <- e:
				case <-ctx.Done():
					m.dropFollower(cl, liveID, liveCh)
					return
				}
			case <-ctx.Done():
				m.dropFollower(cl, liveID, liveCh)
				return
			}
		}
	}()
	return out, nil
}

func (m *Manager) dropFollower(cl *containerLog, id int, ch chan Entry) {
	if cl == nil || ch == nil {
		return
	}
	cl.mu.Lock()
	defer cl.mu.Unlock()
	if _, ok := cl.followers[id]; ok {
		delete(cl.followers, id)
	}
}

func readEntries(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var entries []Entry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			continue // torn tail line from a crash
		}
		entries = append(entries, e)
	}
	return entries, sc.Err()
}

// streamWriter turns a byte stream into per-line entries.
type streamWriter struct {
	cl     *containerLog
	stream string
	buf    []byte
}

func (w *streamWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		line := string(w.buf[:i])
		w.buf = w.buf[i+1:]
		if err := w.emit(line); err != nil {
			return len(p), err
		}
	}
	return len(p), nil
}

// Close flushes a trailing unterminated line.
func (w *streamWriter) Close() error {
	if len(w.buf) == 0 {
		return nil
	}
	line := string(w.buf)
	w.buf = nil
	return w.emit(line)
}

func (w *streamWriter) emit(line string) error {
	e := Entry{Stream: w.stream, Time: time.Now(), Line: line}
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	w.cl.mu.Lock()
	defer w.cl.mu.Unlock()
	if w.cl.closed {
		return nil // late flush after the container was torn down
	}
	if _, err := w.cl.f.Write(data); err != nil {
		return err
	}
	for _, ch := range w.cl.followers {
		select {
		case ch <- e:
		default:
			// Slow follower: skip rather than stall the container's output.
		}
	}
	return nil
}
