package tui

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/shellgate/internal/events"
)

func jobEvent(t *testing.T, id int64, typ string, at time.Time, data events.JobEvent) events.Event {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	return events.Event{ID: id, Type: typ, At: at, Data: raw}
}

func TestReadSSE(t *testing.T) {
	stream := strings.Join([]string{
		"id: 1",
		"event: job.submitted",
		`data: {"job_id":"a","command":"cat","status":"NEW"}`,
		"",
		": keep-alive",
		"",
		"id: 2",
		"event: job.failed",
		`data: {"job_id":"a","status":"FAILED"}`,
		"",
	}, "\n")

	var got []events.Event
	readSSE(strings.NewReader(stream), func(ev events.Event) { got = append(got, ev) })

	require.Len(t, got, 2)
	assert.Equal(t, int64(1), got[0].ID)
	assert.Equal(t, events.JobSubmitted, got[0].Type)
	assert.JSONEq(t, `{"job_id":"a","command":"cat","status":"NEW"}`, string(got[0].Data))
	assert.Equal(t, events.JobFailed, got[1].Type)
	assert.False(t, got[1].At.IsZero())
}

func TestHandleEventTracksLifecycle(t *testing.T) {
	m := NewMonitor("http://127.0.0.1:8080/")
	assert.Equal(t, "http://127.0.0.1:8080", m.apiURL)

	now := time.Now()
	m.handleEvent(jobEvent(t, 1, events.JobSubmitted, now, events.JobEvent{JobID: "job-1", Command: "cat", Status: "NEW"}))
	m.handleEvent(jobEvent(t, 2, events.JobStarted, now.Add(time.Second), events.JobEvent{JobID: "job-1", Command: "cat", Status: "IN_PROGRESS"}))
	m.handleEvent(jobEvent(t, 3, events.JobFailed, now.Add(2*time.Second), events.JobEvent{
		JobID: "job-1", Command: "cat", Status: "FAILED", Message: "cat exited with status 1\nmore", DurationMS: 1500,
	}))

	row := m.jobs["job-1"]
	require.NotNil(t, row)
	assert.Equal(t, "cat", row.Command)
	assert.Equal(t, "FAILED", row.Status)
	assert.Equal(t, 1500*time.Millisecond, row.Duration)
	assert.Len(t, m.eventLog, 3)
	assert.Equal(t, events.JobFailed, m.eventLog[0].Type, "newest event first")

	m.handleEvent(jobEvent(t, 4, events.JobEvicted, now.Add(time.Hour), events.JobEvent{JobID: "job-1", Status: "FAILED"}))
	assert.True(t, row.Evicted)

	cells := jobToRow(row)
	assert.Equal(t, "cat", cells[1])
	assert.Equal(t, "FAILED (evicted)", cells[2])
	assert.Equal(t, "job-1", cells[3])
	assert.Equal(t, "1.5s", cells[4])
	assert.Equal(t, "cat exited with status 1 | more", cells[5])
}

func TestHandleEventIgnoresForeignPayloads(t *testing.T) {
	m := NewMonitor("http://x")
	m.handleEvent(events.Event{ID: 1, Type: "other", At: time.Now(), Data: json.RawMessage(`{"foo":1}`)})
	m.handleEvent(events.Event{ID: 2, Type: "broken", At: time.Now(), Data: json.RawMessage(`not json`)})
	assert.Empty(t, m.jobs)
	assert.Len(t, m.eventLog, 2)
}

func TestEventLogAndJobsAreBounded(t *testing.T) {
	m := NewMonitor("http://x")
	base := time.Now()
	for i := range maxJobs + 25 {
		m.handleEvent(jobEvent(t, int64(i+1), events.JobSubmitted, base.Add(time.Duration(i)*time.Millisecond),
			events.JobEvent{JobID: fmt.Sprintf("job-%04d", i), Status: "NEW"}))
	}
	assert.Len(t, m.eventLog, maxEvents)
	assert.Len(t, m.jobs, maxJobs)
	_, oldestKept := m.jobs["job-0000"]
	assert.False(t, oldestKept, "oldest jobs are pruned first")

	m.updateTable()
	rows := m.jobTable.Rows()
	require.Len(t, rows, maxJobs)
	assert.Equal(t, "job-0224"[:8], rows[0][3], "newest job at the top")
}
