package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/shellgate/internal/command"
	"github.com/mattjoyce/shellgate/internal/events"
	"github.com/mattjoyce/shellgate/internal/files"
	"github.com/mattjoyce/shellgate/internal/queue"
	"github.com/mattjoyce/shellgate/internal/storage"
)

type testServer struct {
	srv     *Server
	handler http.Handler
	queue   *queue.Queue
	layout  *files.Layout
	hub     *events.Hub
}

func newTestServer(t *testing.T, maxInput int64) *testServer {
	t.Helper()
	dir := t.TempDir()

	db, err := storage.OpenSQLite(context.Background(), filepath.Join(dir, "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	layout, err := files.NewLayout(filepath.Join(dir, "uploads"), filepath.Join(dir, "downloads"))
	require.NoError(t, err)
	require.NoError(t, layout.Init())

	reg, err := command.NewRegistry([]command.Definition{
		{
			Name:    "cat",
			Timeout: 5 * time.Second,
			Exec: command.Exec{
				command.Literal{Text: "cat"},
				command.Option{Token: "numbers", Flag: "-n"},
				command.InputFile{},
			},
		},
	})
	require.NoError(t, err)

	q := queue.New(db)
	hub := events.NewHub(16)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := New(Config{Listen: "127.0.0.1:0", MaxInputBytes: maxInput}, q, layout, reg, hub, logger)
	return &testServer{srv: srv, handler: srv.Handler(), queue: q, layout: layout, hub: hub}
}

func (ts *testServer) do(req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	ts.handler.ServeHTTP(rr, req)
	return rr
}

func (ts *testServer) submit(t *testing.T, body string) string {
	t.Helper()
	rr := ts.do(httptest.NewRequest(http.MethodPost, "/run", strings.NewReader(body)))
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())
	var resp RunResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	return resp.Job
}

func TestHandleRunJSON(t *testing.T) {
	ts := newTestServer(t, 0)

	id := ts.submit(t, `{"text":"hello\nworld\n","command":{"name":"cat","options":["numbers"]}}`)

	_, err := uuid.Parse(id)
	require.NoError(t, err, "job id should be a uuid")

	job, err := ts.queue.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusNew, job.Status)
	assert.JSONEq(t, `{"command":{"name":"cat","options":["numbers"]}}`, string(job.Request))

	input, err := os.ReadFile(ts.layout.InputPath(id))
	require.NoError(t, err)
	assert.Equal(t, "hello\nworld\n", string(input))

	evs := ts.hub.SnapshotSince(0)
	require.Len(t, evs, 1)
	assert.Equal(t, events.JobSubmitted, evs[0].Type)
	assert.Contains(t, string(evs[0].Data), id)
}

func TestHandleRunDefaultsOptions(t *testing.T) {
	ts := newTestServer(t, 0)
	id := ts.submit(t, `{"command":{"name":"cat"}}`)

	job, err := ts.queue.Get(context.Background(), id)
	require.NoError(t, err)
	assert.JSONEq(t, `{"command":{"name":"cat","options":[]}}`, string(job.Request))
}

func TestHandleRunMultipart(t *testing.T) {
	ts := newTestServer(t, 0)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	require.NoError(t, mw.WriteField("data", `{"command":{"name":"cat","options":[]}}`))
	fw, err := mw.CreateFormFile("file", "input.txt")
	require.NoError(t, err)
	_, err = fw.Write([]byte("from a file\n"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/run", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rr := ts.do(req)
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())

	var resp RunResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	input, err := os.ReadFile(ts.layout.InputPath(resp.Job))
	require.NoError(t, err)
	assert.Equal(t, "from a file\n", string(input))
}

func TestHandleRunRejectsBadRequests(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		wantCode int
		wantErr  string
	}{
		{"invalid json", `{`, http.StatusBadRequest, "invalid JSON body"},
		{"missing command", `{"text":"x"}`, http.StatusBadRequest, `missing "command"`},
		{"empty name", `{"command":{"name":" ","options":[]}}`, http.StatusBadRequest, `missing "command.name"`},
		{"too large", `{"text":"` + strings.Repeat("a", 256) + `","command":{"name":"cat"}}`, http.StatusRequestEntityTooLarge, "exceeds 64 bytes"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, 64)
			rr := ts.do(httptest.NewRequest(http.MethodPost, "/run", strings.NewReader(tt.body)))
			assert.Equal(t, tt.wantCode, rr.Code)
			assert.Contains(t, rr.Body.String(), tt.wantErr)

			counts, err := ts.queue.CountByStatus(context.Background())
			require.NoError(t, err)
			assert.Zero(t, counts[queue.StatusNew], "rejected request must not create a job")
		})
	}
}

func TestHandleStatus(t *testing.T) {
	ts := newTestServer(t, 0)
	id := ts.submit(t, `{"text":"x","command":{"name":"cat","options":[]}}`)
	ctx := context.Background()
	require.NoError(t, ts.queue.UpdateStatus(ctx, id, queue.StatusNew, queue.StatusInProgress))
	require.NoError(t, ts.queue.AppendMessage(ctx, id, "cat exited with status 1"))
	require.NoError(t, ts.queue.UpdateStatus(ctx, id, queue.StatusInProgress, queue.StatusFailed))

	rr := ts.do(httptest.NewRequest(http.MethodGet, "/status/"+id, nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var resp JobStatusResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, id, resp.JobID)
	assert.Equal(t, "FAILED", resp.Status)
	assert.Equal(t, "cat exited with status 1", resp.Message)

	rr = ts.do(httptest.NewRequest(http.MethodGet, "/status/"+uuid.NewString(), nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = ts.do(httptest.NewRequest(http.MethodGet, "/status/not-a-uuid", nil))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestHandleResult(t *testing.T) {
	ts := newTestServer(t, 0)
	id := ts.submit(t, `{"text":"x","command":{"name":"cat","options":[]}}`)

	t.Run("not yet written", func(t *testing.T) {
		rr := ts.do(httptest.NewRequest(http.MethodGet, "/result/"+id+".stdout", nil))
		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Empty(t, rr.Body.String())
	})

	stdout, stderr, err := ts.layout.CreateOutputs(id)
	require.NoError(t, err)
	_, err = io.WriteString(stdout, "     1\tx")
	require.NoError(t, err)
	_, err = io.WriteString(stderr, "warning\n")
	require.NoError(t, err)
	require.NoError(t, stdout.Close())
	require.NoError(t, stderr.Close())

	t.Run("stdout", func(t *testing.T) {
		rr := ts.do(httptest.NewRequest(http.MethodGet, "/result/"+id+".stdout", nil))
		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, "     1\tx", rr.Body.String())
	})

	t.Run("stderr", func(t *testing.T) {
		rr := ts.do(httptest.NewRequest(http.MethodGet, "/result/"+id+".stderr", nil))
		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, "warning\n", rr.Body.String())
	})

	t.Run("unknown stream", func(t *testing.T) {
		rr := ts.do(httptest.NewRequest(http.MethodGet, "/result/"+id+".log", nil))
		assert.Equal(t, http.StatusNotFound, rr.Code)
	})

	t.Run("unknown job", func(t *testing.T) {
		rr := ts.do(httptest.NewRequest(http.MethodGet, "/result/"+uuid.NewString()+".stdout", nil))
		assert.Equal(t, http.StatusNotFound, rr.Code)
	})

	t.Run("invalid id", func(t *testing.T) {
		rr := ts.do(httptest.NewRequest(http.MethodGet, "/result/..%2Fstate.stdout", nil))
		assert.NotEqual(t, http.StatusOK, rr.Code)
	})
}

func TestHandleListCommands(t *testing.T) {
	ts := newTestServer(t, 0)

	rr := ts.do(httptest.NewRequest(http.MethodGet, "/commands", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var resp CommandListResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Len(t, resp.Commands, 1)
	assert.Equal(t, "cat", resp.Commands[0].Name)
	assert.Equal(t, []string{"numbers"}, resp.Commands[0].Options)
	assert.Equal(t, "5s", resp.Commands[0].Timeout)
}

func TestHandleHealthz(t *testing.T) {
	ts := newTestServer(t, 0)
	ts.submit(t, `{"command":{"name":"cat","options":[]}}`)

	rr := ts.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var resp HealthzResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 1, resp.CommandsLoaded)
	assert.Equal(t, 1, resp.Jobs["NEW"])
	assert.Equal(t, 0, resp.Jobs["SUCCESS"])
}

func TestHandleEventsReplaysBufferedEvents(t *testing.T) {
	ts := newTestServer(t, 0)
	ts.hub.Publish(events.JobFailed, events.JobEvent{JobID: "job-1", Status: "FAILED"})

	httpSrv := httptest.NewServer(ts.handler)
	defer httpSrv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, httpSrv.URL+"/events", nil)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	var lines []string
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			break
		}
		lines = append(lines, line)
	}
	require.Len(t, lines, 3)
	assert.Equal(t, "id: 1", lines[0])
	assert.Equal(t, "event: job.failed", lines[1])
	assert.Contains(t, lines[2], `"job_id":"job-1"`)
}

func TestParseLastEventID(t *testing.T) {
	assert.Equal(t, int64(0), parseLastEventID(""))
	assert.Equal(t, int64(0), parseLastEventID("abc"))
	assert.Equal(t, int64(0), parseLastEventID("-3"))
	assert.Equal(t, int64(42), parseLastEventID("42"))
}

func TestHandleEventsFiltersByJobAndType(t *testing.T) {
	ts := newTestServer(t, 0)
	ts.hub.Publish(events.JobStarted, events.JobEvent{JobID: "job-1"})
	ts.hub.Publish(events.JobFailed, events.JobEvent{JobID: "job-2", Status: "FAILED"})
	ts.hub.Publish(events.JobFailed, events.JobEvent{JobID: "job-1", Status: "FAILED"})

	httpSrv := httptest.NewServer(ts.handler)
	defer httpSrv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, httpSrv.URL+"/events?job=job-1&type=job.failed", nil)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	sc := bufio.NewScanner(resp.Body)
	require.True(t, sc.Scan())
	assert.Equal(t, "id: 3", sc.Text())
	require.True(t, sc.Scan())
	assert.Equal(t, "event: job.failed", sc.Text())
}

func TestEventFilterMatch(t *testing.T) {
	ev := events.Event{ID: 1, Type: events.JobStarted, Data: json.RawMessage(`{"job_id":"a"}`)}

	assert.True(t, eventFilter{}.match(ev))
	assert.True(t, eventFilter{jobID: "a"}.match(ev))
	assert.False(t, eventFilter{jobID: "b"}.match(ev))
	assert.False(t, eventFilter{types: map[string]struct{}{events.JobFailed: {}}}.match(ev))
}

type insertFailingStore struct {
	*queue.Queue
}

func (insertFailingStore) Insert(context.Context, *queue.Job) error {
	return errors.New("database is locked")
}

func TestHandleRunRemovesInputWhenInsertFails(t *testing.T) {
	ts := newTestServer(t, 0)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := New(Config{Listen: "127.0.0.1:0"}, insertFailingStore{ts.queue}, ts.layout, ts.srv.registry, ts.hub, logger)

	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/run",
		strings.NewReader(`{"text":"hello","command":{"name":"cat","options":[]}}`)))
	require.Equal(t, http.StatusInternalServerError, rr.Code)

	entries, err := os.ReadDir(ts.layout.UploadsDir())
	require.NoError(t, err)
	assert.Empty(t, entries, "no input may outlive a failed insert")
	assert.Empty(t, ts.hub.SnapshotSince(0))
}
