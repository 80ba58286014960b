package viewer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/parley/internal/util"
)

// maxPartial bounds an unterminated line held between writes.
const maxPartial = 1 << 16

// LogEntry is one line of the client log. Lines in go-log's plaintext
// layout are split into their fields; anything else lands in Msg as is.
type LogEntry struct {
	TS        time.Time `json:"ts"`
	Level     string    `json:"level,omitempty"`
	Subsystem string    `json:"subsystem,omitempty"`
	Msg       string    `json:"msg"`
}

// parseLine splits "time\tLEVEL\tsubsystem\tcaller\tmessage".
func parseLine(line string, now time.Time) LogEntry {
	e := LogEntry{TS: now, Msg: line}
	parts := strings.SplitN(line, "\t", 5)
	if len(parts) < 4 {
		return e
	}
	if ts, err := time.Parse(time.RFC3339Nano, parts[0]); err == nil {
		e.TS = ts
	}
	e.Level = strings.ToLower(parts[1])
	e.Subsystem = parts[2]
	e.Msg = parts[len(parts)-1]
	return e
}

// LogBuffer keeps the most recent log lines for /api/logs and fans new
// ones out to stream subscribers.
type LogBuffer struct {
	mu      sync.Mutex
	entries *util.RingBuffer[LogEntry]
	subs    map[chan LogEntry]struct{}
	partial bytes.Buffer
}

func NewLogBuffer(max int) *LogBuffer {
	if max <= 0 {
		max = 500
	}
	return &LogBuffer{
		entries: util.NewRingBuffer[LogEntry](max),
		subs:    make(map[chan LogEntry]struct{}),
	}
}

// Follow copies every subsystem log line into the buffer until ctx is done.
func (b *LogBuffer) Follow(ctx context.Context) {
	pr := logging.NewPipeReader(logging.PipeFormat(logging.PlaintextOutput))
	go func() {
		<-ctx.Done()
		pr.Close()
	}()
	if _, err := io.Copy(b, pr); err != nil && ctx.Err() == nil {
		log.Warnf("log tail stopped: %v", err)
	}
}

// Write splits p into lines; a trailing fragment waits for the next write.
func (b *LogBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.partial.Write(p)
	now := time.Now()
	for {
		i := bytes.IndexByte(b.partial.Bytes(), '\n')
		if i < 0 {
			break
		}
		line := strings.TrimRight(string(b.partial.Next(i + 1)[:i]), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		e := parseLine(line, now)
		b.entries.Push(e)
		for ch := range b.subs {
			select {
			case ch <- e:
			default:
			}
		}
	}
	if b.partial.Len() > maxPartial {
		b.partial.Reset()
	}
	return len(p), nil
}

// Snapshot returns the buffered lines, oldest first.
func (b *LogBuffer) Snapshot() []LogEntry {
	return b.entries.Snapshot()
}

func (b *LogBuffer) Subscribe() (ch chan LogEntry, cancel func()) {
	ch = make(chan LogEntry, 64)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	cancel = func() {
		b.mu.Lock()
		if _, ok := b.subs[ch]; ok {
			delete(b.subs, ch)
			close(ch)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// subsystemFilter matches entries against ?subsystem=call,signal.
func subsystemFilter(r *http.Request) func(LogEntry) bool {
	q := strings.TrimSpace(r.URL.Query().Get("subsystem"))
	if q == "" {
		return func(LogEntry) bool { return true }
	}
	want := make(map[string]bool)
	for _, s := range strings.Split(q, ",") {
		if s = strings.TrimSpace(s); s != "" {
			want[s] = true
		}
	}
	return func(e LogEntry) bool { return want[e.Subsystem] }
}

// ServeLogsJSON answers GET /api/logs with the buffered lines.
func (b *LogBuffer) ServeLogsJSON(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	match := subsystemFilter(r)
	out := []LogEntry{}
	for _, e := range b.Snapshot() {
		if match(e) {
			out = append(out, e)
		}
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(out)
}

// ServeLogsSSE streams lines written after the request as "log" events.
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
	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	match := subsystemFilter(r)
	ch, cancel := b.Subscribe()
	defer cancel()
	for {
		select {
		case <-r.Context().Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			if !match(e) {
				continue
			}
			data, _ := json.Marshal(e)
			fmt.Fprintf(w, "event: log\ndata: %s\n\n", data)
			flusher.Flush()
		}
	}
}
