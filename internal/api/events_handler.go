package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mattjoyce/shellgate/internal/events"
)

const sseKeepAlive = 15 * time.Second

// eventFilter narrows the stream to one job and/or a set of event types.
// The zero value passes everything.
type eventFilter struct {
	jobID string
	types map[string]struct{}
}

func parseEventFilter(r *http.Request) eventFilter {
	f := eventFilter{jobID: strings.TrimSpace(r.URL.Query().Get("job"))}
	for _, raw := range r.URL.Query()["type"] {
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t == "" {
				continue
			}
			if f.types == nil {
				f.types = make(map[string]struct{})
			}
			f.types[t] = struct{}{}
		}
	}
	return f
}

func (f eventFilter) match(ev events.Event) bool {
	if f.types != nil {
		if _, ok := f.types[ev.Type]; !ok {
			return false
		}
	}
	if f.jobID == "" {
		return true
	}
	var payload events.JobEvent
	if err := json.Unmarshal(ev.Data, &payload); err != nil {
		return false
	}
	return payload.JobID == f.jobID
}

// handleEvents streams job events as server-sent events. Buffered events newer
// than Last-Event-ID are replayed before live ones. ?job=<id> and
// ?type=job.failed,job.succeeded restrict what is sent.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	filter := parseEventFilter(r)

	// Subscribe before the snapshot so nothing published in between is lost.
	ch, cancel := s.events.Subscribe()
	defer cancel()

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	sent := parseLastEventID(r.Header.Get("Last-Event-ID"))
	emit := func(ev events.Event) error {
		if ev.ID <= sent {
			return nil
		}
		sent = ev.ID
		if !filter.match(ev) {
			return nil
		}
		return writeSSE(w, ev)
	}

	for _, ev := range s.events.SnapshotSince(sent) {
		if err := emit(ev); err != nil {
			return
		}
	}
	flusher.Flush()

	ticker := time.NewTicker(sseKeepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := emit(ev); err != nil {
				return
			}
			flusher.Flush()
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func parseLastEventID(v string) int64 {
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// writeSSE frames one event. Payloads are compact JSON, so a single data
// line is enough.
func writeSSE(w http.ResponseWriter, ev events.Event) error {
	var b strings.Builder
	fmt.Fprintf(&b, "id: %d\n", ev.ID)
	if ev.Type != "" {
		fmt.Fprintf(&b, "event: %s\n", ev.Type)
	}
	fmt.Fprintf(&b, "data: %s\n\n", ev.Data)
	_, err := fmt.Fprint(w, b.String())
	return err
}
