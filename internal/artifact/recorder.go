// Package artifact owns the per-run directory. The step log and HTTP
// log are append-only JSON-per-line; summary.json is overwritten whole.
// Everything passes through the redaction filter before touching disk.
package artifact

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"commercegate/internal/gate"
	"commercegate/internal/redact"
)

type Recorder struct {
	dir      string
	stepLog  *os.File
	httpLog  *os.File
	captures string
}

// StepRecord is one line of steps.jsonl.
type StepRecord struct {
	Step      string `json:"step"`
	Timestamp string `json:"ts"`
	ElapsedMS int64  `json:"elapsed_ms"`
	Request   any    `json:"request,omitempty"`
	Response  any    `json:"response,omitempty"`
}

// HTTPRecord is one line of http.jsonl. Bodies arrive already decoded
// so the structural redaction pass can see field names.
type HTTPRecord struct {
	Method   string `json:"method"`
	URL      string `json:"url"`
	Status   int    `json:"status"`
	Request  any    `json:"request,omitempty"`
	Response any    `json:"response,omitempty"`
}

func NewRecorder(run gate.Run) (*Recorder, error) {
	dir := run.ArtifactDir
	captures := filepath.Join(dir, "captures")
	if err := os.MkdirAll(captures, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact dir: %w", err)
	}
	stepLog, err := os.OpenFile(filepath.Join(dir, "steps.jsonl"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	httpLog, err := os.OpenFile(filepath.Join(dir, "http.jsonl"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		stepLog.Close()
		return nil, err
	}
	return &Recorder{dir: dir, stepLog: stepLog, httpLog: httpLog, captures: captures}, nil
}

func (r *Recorder) Dir() string { return r.dir }

// Step appends one StepRecord. Request/response summaries are redacted
// before serialization.
func (r *Recorder) Step(step string, elapsed time.Duration, request, response any) error {
	rec := StepRecord{
		Step:      step,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		ElapsedMS: elapsed.Milliseconds(),
		Request:   redact.Value(toTree(request)),
		Response:  redact.Value(toTree(response)),
	}
	return appendJSON(r.stepLog, rec)
}

// HTTP appends one sanitized exchange to the HTTP log.
func (r *Recorder) HTTP(rec HTTPRecord) error {
	rec.Request = redact.Value(toTree(rec.Request))
	rec.Response = redact.Value(toTree(rec.Response))
	rec.URL = redact.String(rec.URL)
	return appendJSON(r.httpLog, rec)
}

// Capture writes a provider payload under captures/<name>.json.
func (r *Recorder) Capture(name string, v any) error {
	b, err := json.MarshalIndent(redact.Value(toTree(v)), "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(r.captures, name+".json"), b, 0o644)
}

// CaptureRaw writes a raw byte payload, content-pass redacted.
func (r *Recorder) CaptureRaw(name string, b []byte) error {
	return os.WriteFile(filepath.Join(r.captures, name+".json"), redact.Bytes(b), 0o644)
}

// WriteSummary overwrites summary.json in place. It must succeed even
// on the failure path; callers treat a missing summary as its own
// distinct failure.
func (r *Recorder) WriteSummary(s gate.Summary) error {
	b, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	// Content pass as a backstop; reasons can embed provider text.
	return os.WriteFile(filepath.Join(r.dir, "summary.json"), redact.Bytes(b), 0o644)
}

// Audit re-scans every artifact file for unmasked secret shapes.
func (r *Recorder) Audit() ([]error, error) {
	return redact.Audit(r.dir)
}

func (r *Recorder) Close() error {
	err1 := r.stepLog.Close()
	err2 := r.httpLog.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

func appendJSON(f *os.File, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = f.Write(append(b, '\n'))
	return err
}

// toTree round-trips v through JSON so the redaction walker always sees
// maps and slices, never concrete struct types.
func toTree(v any) any {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	var tree any
	if err := json.Unmarshal(b, &tree); err != nil {
		return string(b)
	}
	return tree
}
