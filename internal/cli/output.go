package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/johnplanow/substrate-sub006/internal/common/errors"
)

// Output formats accepted by the root --output-format flag. The cost command
// additionally understands table and csv; table renders through the text
// path.
const (
	FormatText = "text"
	FormatJSON = "json"
)

// envelope is the NDJSON frame written for every event in JSON mode. One
// envelope per line keeps the stream consumable by jq and log shippers.
type envelope struct {
	Event     string    `json:"event"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
}

// errorPayload is the data carried by <command>:error envelopes.
type errorPayload struct {
	Kind  string `json:"kind"`
	Error string `json:"error"`
}

// Emitter renders command output in either human text or NDJSON envelopes.
// All writes are serialized so concurrent event handlers cannot interleave
// partial lines.
type Emitter struct {
	mu     sync.Mutex
	stdout io.Writer
	stderr io.Writer
	json   bool
	now    func() time.Time
}

// NewEmitter builds an emitter. jsonMode selects NDJSON envelopes on stdout;
// text mode prints plain lines instead.
func NewEmitter(stdout, stderr io.Writer, jsonMode bool) *Emitter {
	return &Emitter{
		stdout: stdout,
		stderr: stderr,
		json:   jsonMode,
		now:    time.Now,
	}
}

// JSON reports whether the emitter is in NDJSON mode.
func (e *Emitter) JSON() bool {
	return e.json
}

// Emit writes one output point: an envelope named event in JSON mode, or the
// formatted text line otherwise. An empty format suppresses the text form,
// for events that only matter to machine consumers.
func (e *Emitter) Emit(event string, data any, format string, args ...any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.json {
		e.writeEnvelope(event, data)
		return
	}
	if format == "" {
		return
	}
	fmt.Fprintf(e.stdout, format+"\n", args...)
}

// Printf writes raw text to stdout regardless of mode. Reserved for payloads
// that carry their own format, like cost tables and plan contents.
func (e *Emitter) Printf(format string, args ...any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fmt.Fprintf(e.stdout, format, args...)
}

// Error reports a command failure: one line on stderr always, plus a
// <command>:error envelope on stdout in JSON mode so stream consumers see
// the failure in-band.
func (e *Emitter) Error(command string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fmt.Fprintf(e.stderr, "substrate: %s: %v\n", command, err)
	if e.json {
		e.writeEnvelope(command+":error", errorPayload{
			Kind:  errors.KindOf(err),
			Error: err.Error(),
		})
	}
}

func (e *Emitter) writeEnvelope(event string, data any) {
	enc := json.NewEncoder(e.stdout)
	if err := enc.Encode(envelope{Event: event, Timestamp: e.now().UTC(), Data: data}); err != nil {
		fmt.Fprintf(e.stderr, "substrate: encode event %s: %v\n", event, err)
	}
}
