package forward

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	logx "github.com/neo-rs/mwbots/pkg/logx"
)

// traceWriter appends one JSON object per routing decision to a JSONL
// file. Every write opens the file fresh so external log rotation never
// strands a handle.
type traceWriter struct {
	mu   sync.Mutex
	path string
	log  logx.Logger
}

func newTraceWriter(path string, log logx.Logger) *traceWriter {
	if path == "" {
		return nil
	}
	return &traceWriter{path: path, log: log}
}

func (w *traceWriter) Write(trace map[string]any) {
	if w == nil || len(trace) == 0 {
		return
	}
	if _, ok := trace["ts"]; !ok {
		trace["ts"] = time.Now().UTC().Format(time.RFC3339Nano)
	}
	line, err := json.Marshal(trace)
	if err != nil {
		w.log.Warn("trace encode failed", logx.Err(err))
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if dir := filepath.Dir(w.path); dir != "." {
		_ = os.MkdirAll(dir, 0o755)
	}
	f, err := os.OpenFile(w.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		w.log.Warn("trace open failed", logx.String("path", w.path), logx.Err(err))
		return
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		w.log.Warn("trace write failed", logx.Err(err))
	}
}
