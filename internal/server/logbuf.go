package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/petervdpas/callhub/internal/util"
)

const logHeartbeat = 25 * time.Second

// LogEntry is one line of go-log plaintext output. Level and Subsystem are
// empty when the line did not come from a named logger.
type LogEntry struct {
	TS        time.Time `json:"ts"`
	Level     string    `json:"level,omitempty"`
	Subsystem string    `json:"subsystem,omitempty"`
	Msg       string    `json:"msg"`
}

// parseLogLine splits "<time>\t<LEVEL>\t<subsystem>\t<caller>\t<message>".
func parseLogLine(line string) LogEntry {
	e := LogEntry{TS: time.Now(), Msg: line}
	parts := strings.SplitN(line, "\t", 5)
	if len(parts) < 5 {
		return e
	}
	if ts, err := time.Parse(time.RFC3339Nano, parts[0]); err == nil {
		e.TS = ts
	}
	e.Level = strings.ToLower(parts[1])
	e.Subsystem = parts[2]
	e.Msg = parts[4]
	return e
}

type logFilter struct {
	level     string
	subsystem string
}

func filterFrom(r *http.Request) logFilter {
	q := r.URL.Query()
	return logFilter{level: strings.ToLower(q.Get("level")), subsystem: q.Get("subsystem")}
}

func (f logFilter) match(e LogEntry) bool {
	return (f.level == "" || f.level == e.Level) &&
		(f.subsystem == "" || f.subsystem == e.Subsystem)
}

// LogBuffer is an io.Writer that keeps the last lines written to it for the
// admin log endpoints and fans new lines out to live subscribers.
type LogBuffer struct {
	lines *util.RingBuffer[LogEntry]

	mu      sync.Mutex
	pending []byte
	subs    map[chan LogEntry]struct{}
}

func NewLogBuffer(capacity int) *LogBuffer {
	if capacity <= 0 {
		capacity = 500
	}
	return &LogBuffer{
		lines: util.NewRingBuffer[LogEntry](capacity),
		subs:  map[chan LogEntry]struct{}{},
	}
}

// Write never fails. An unterminated line is held until its newline arrives.
func (b *LogBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.pending = append(b.pending, p...)
	for {
		nl := bytes.IndexByte(b.pending, '\n')
		if nl < 0 {
			break
		}
		line := strings.TrimRight(string(b.pending[:nl]), "\r")
		b.pending = b.pending[nl+1:]
		if strings.TrimSpace(line) != "" {
			b.publish(parseLogLine(line))
		}
	}
	if len(b.pending) == 0 {
		b.pending = nil
	}
	return len(p), nil
}

// publish runs with mu held. Slow subscribers miss lines.
func (b *LogBuffer) publish(e LogEntry) {
	b.lines.Push(e)
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Tail returns up to n of the newest lines, oldest first. n <= 0 means all.
func (b *LogBuffer) Tail(n int) []LogEntry {
	if n <= 0 {
		return b.lines.Snapshot()
	}
	return b.lines.Tail(n)
}

// Subscribe delivers every line written after the call until cancel.
func (b *LogBuffer) Subscribe() (<-chan LogEntry, func()) {
	ch := make(chan LogEntry, 64)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, ch)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// ServeLogsJSON answers GET /api/logs[?tail=N&level=&subsystem=].
func (b *LogBuffer) ServeLogsJSON(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	tail, _ := strconv.Atoi(r.URL.Query().Get("tail"))
	f := filterFrom(r)

	out := []LogEntry{}
	for _, e := range b.Tail(0) {
		if f.match(e) {
			out = append(out, e)
		}
	}
	if tail > 0 && len(out) > tail {
		out = out[len(out)-tail:]
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(out)
}

// ServeLogsSSE streams new lines as "log" events, filtered like ServeLogsJSON.
func (b *LogBuffer) ServeLogsSSE(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	f := filterFrom(r)

	lines, cancel := b.Subscribe()
	defer cancel()

	h := w.Header()
	h.Set("Content-Type", "text/event-stream; charset=utf-8")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	flusher.Flush()

	beat := time.NewTicker(logHeartbeat)
	defer beat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-beat.C:
			_, _ = fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		case e := <-lines:
			if !f.match(e) {
				continue
			}
			data, _ := json.Marshal(e)
			_, _ = fmt.Fprintf(w, "event: log\ndata: %s\n\n", data)
			flusher.Flush()
		}
	}
}
