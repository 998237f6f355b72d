package tui

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mattjoyce/shellgate/internal/events"
)

// --- Message types ---

type eventMsg events.Event

type healthMsg struct {
	Status         string         `json:"status"`
	UptimeSeconds  int64          `json:"uptime_seconds"`
	Jobs           map[string]int `json:"jobs"`
	CommandsLoaded int            `json:"commands_loaded"`
}

type errMsg error

type sseDisconnectedMsg struct{}

// --- Commands ---

// subscribeToEvents connects to /events and feeds decoded events into ch
// until the stream ends.
func subscribeToEvents(apiURL string, ch chan<- events.Event) tea.Cmd {
	return func() tea.Msg {
		resp, err := http.Get(apiURL + "/events")
		if err != nil {
			return errMsg(err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return errMsg(fmt.Errorf("events stream: %s", resp.Status))
		}

		readSSE(resp.Body, func(ev events.Event) { ch <- ev })
		return sseDisconnectedMsg{}
	}
}

// readSSE parses a text/event-stream body, calling emit once per complete
// event. Comment lines are skipped.
func readSSE(r io.Reader, emit func(events.Event)) {
	scanner := bufio.NewScanner(r)
	var current events.Event
	var data strings.Builder

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if data.Len() > 0 {
				current.Data = json.RawMessage(data.String())
				if current.At.IsZero() {
					current.At = time.Now()
				}
				emit(current)
			}
			current = events.Event{}
			data.Reset()
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "id: "):
			if id, err := strconv.ParseInt(line[4:], 10, 64); err == nil {
				current.ID = id
			}
		case strings.HasPrefix(line, "event: "):
			current.Type = line[7:]
		case strings.HasPrefix(line, "data: "):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(line[6:])
		}
	}
}

// receiveNextEvent waits for the next event from the channel.
func receiveNextEvent(ch <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		return eventMsg(<-ch)
	}
}

// fetchHealth queries the /healthz endpoint.
func fetchHealth(apiURL string) tea.Msg {
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(apiURL + "/healthz")
	if err != nil {
		return errMsg(err)
	}
	defer resp.Body.Close()

	var h healthMsg
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return errMsg(err)
	}
	return h
}
