// Package logsink implements the fire-and-forget UI log POST spec.md
// §4.1 describes: a one-line structured message sent to the
// control-plane's /api/ui-log endpoint, never allowed to block or fail
// its caller.
//
// Grounded on original_source/services/folder_monitor.py's
// _post_ui_log, which fires a 500ms-timeout POST and swallows every
// error. The Go rendition additionally bounds the number of
// in-flight POSTs with a small buffered channel drained by one
// background goroutine, so a wedged control-plane can't pile up an
// unbounded number of blocked goroutines.
package logsink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"
)

const (
	postTimeout = 500 * time.Millisecond
	queueDepth  = 256
)

// Message is the JSON body POSTed to /api/ui-log.
type Message struct {
	Message string `json:"message"`
	Source  string `json:"source"`
	Color   string `json:"color,omitempty"`
}

// Sink posts messages to the control-plane's log-ingest endpoint on a
// best-effort basis. The zero value is not usable; construct with
// New.
type Sink struct {
	url    string
	client *http.Client
	queue  chan Message
	logger *log.Logger
}

// New starts a Sink's background drain goroutine. logger receives
// diagnostics about the sink itself (e.g. a full queue); it must never
// be the same logger a component points at this Sink, or a logging
// failure could recurse.
func New(apiHost string, apiPort int, logger *log.Logger) *Sink {
	s := &Sink{
		url:    fmt.Sprintf("http://%s:%d/api/ui-log", apiHost, apiPort),
		client: &http.Client{Timeout: postTimeout},
		queue:  make(chan Message, queueDepth),
		logger: logger,
	}
	go s.drain()
	return s
}

// Log enqueues message for delivery. If the queue is full the message
// is dropped immediately rather than blocking the caller, matching
// spec.md's "ordering is best-effort, messages MAY be dropped".
func (s *Sink) Log(message, source string) {
	s.LogColor(message, source, "")
}

func (s *Sink) LogColor(message, source, color string) {
	select {
	case s.queue <- Message{Message: message, Source: source, Color: color}:
	default:
		if s.logger != nil {
			s.logger.Printf("logsink: queue full, dropping message from %s", source)
		}
	}
}

func (s *Sink) drain() {
	for msg := range s.queue {
		s.post(msg)
	}
}

func (s *Sink) post(msg Message) {
	body, err := json.Marshal(msg)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), postTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	resp, err := s.client.Do(req)
	if err != nil {
		return // transport failures are swallowed, never raised to the caller
	}
	resp.Body.Close()
}
