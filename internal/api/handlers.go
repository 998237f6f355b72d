package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/mattjoyce/shellgate/internal/command"
	"github.com/mattjoyce/shellgate/internal/events"
	"github.com/mattjoyce/shellgate/internal/files"
	"github.com/mattjoyce/shellgate/internal/queue"
)

// handleHealthz handles GET /healthz.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	counts, err := s.store.CountByStatus(r.Context())
	if err != nil {
		s.logger.Error("failed to count jobs", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to count jobs")
		return
	}

	jobs := make(map[string]int, len(counts))
	for status, n := range counts {
		jobs[string(status)] = n
	}

	respondJSON(w, http.StatusOK, HealthzResponse{
		Status:         "ok",
		UptimeSeconds:  int64(time.Since(s.startedAt).Seconds()),
		Jobs:           jobs,
		CommandsLoaded: s.registry.Len(),
	})
}

// handleListCommands handles GET /commands.
func (s *Server) handleListCommands(w http.ResponseWriter, r *http.Request) {
	defs := s.registry.All()
	resp := CommandListResponse{Commands: make([]CommandSummary, 0, len(defs))}
	for _, def := range defs {
		summary := CommandSummary{
			Name:    def.Name,
			Usage:   def.Usage(),
			Options: make([]string, 0),
		}
		for _, opt := range def.Options() {
			summary.Options = append(summary.Options, opt.Token)
		}
		if def.Timeout > 0 {
			summary.Timeout = def.Timeout.String()
		}
		resp.Commands = append(resp.Commands, summary)
	}
	respondJSON(w, http.StatusOK, resp)
}

// handleRun handles POST /run. The command is not checked against the
// whitelist here; the dispatcher records a FAILED job for unknown commands.
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxInputBytes)

	req, input, err := s.decodeRun(r)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("request exceeds %d bytes", tooLarge.Limit))
			return
		}
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if input != nil {
		defer input.Close()
	}

	payload, err := command.EncodeRequest(req.Command.Name, req.Command.Options)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	job := queue.NewJob(payload)

	var src io.Reader = strings.NewReader(req.Text)
	if input != nil {
		src = input
	}
	size, err := s.layout.WriteInput(job.ID, src)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("request exceeds %d bytes", tooLarge.Limit))
			return
		}
		s.logger.Error("failed to store job input", "job_id", job.ID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to store job input")
		return
	}

	if err := s.store.Insert(r.Context(), job); err != nil {
		s.logger.Error("failed to insert job", "job_id", job.ID, "error", err)
		if rerr := s.layout.RemoveInput(job.ID); rerr != nil {
			s.logger.Warn("failed to remove orphaned input", "job_id", job.ID, "error", rerr)
		}
		s.writeError(w, http.StatusInternalServerError, "failed to store job")
		return
	}

	s.events.Publish(events.JobSubmitted, events.JobEvent{
		JobID:   job.ID,
		Command: req.Command.Name,
		Status:  string(job.Status),
	})
	s.logger.Info("job submitted via API", "job_id", job.ID, "command", req.Command.Name, "input_bytes", size)

	respondJSON(w, http.StatusAccepted, RunResponse{Job: job.ID})
}

// decodeRun reads either a JSON RunRequest or a multipart form carrying the
// request in "data" and the input in "file".
func (s *Server) decodeRun(r *http.Request) (RunRequest, io.ReadCloser, error) {
	var req RunRequest
	var input io.ReadCloser

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		if err := r.ParseMultipartForm(s.config.MaxInputBytes); err != nil {
			return req, nil, err
		}
		data := r.FormValue("data")
		if data == "" {
			return req, nil, errors.New(`multipart request requires a "data" field`)
		}
		if err := json.Unmarshal([]byte(data), &req); err != nil {
			return req, nil, fmt.Errorf("invalid JSON in \"data\": %v", err)
		}
		f, _, err := r.FormFile("file")
		switch {
		case err == nil:
			input = f
		case errors.Is(err, http.ErrMissingFile):
		default:
			return req, nil, err
		}
	} else {
		dec := json.NewDecoder(r.Body)
		if err := dec.Decode(&req); err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				return req, nil, err
			}
			return req, nil, fmt.Errorf("invalid JSON body: %v", err)
		}
	}

	if req.Command == nil {
		closeQuietly(input)
		return req, nil, errors.New(`missing "command"`)
	}
	if strings.TrimSpace(req.Command.Name) == "" {
		closeQuietly(input)
		return req, nil, errors.New(`missing "command.name"`)
	}
	return req, input, nil
}

func closeQuietly(c io.Closer) {
	if c != nil {
		_ = c.Close()
	}
}

// handleStatus handles GET /status/{jobID}.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	jobID, ok := s.jobIDParam(w, chi.URLParam(r, "jobID"))
	if !ok {
		return
	}

	job, err := s.store.Get(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, queue.ErrJobNotFound) {
			s.writeError(w, http.StatusNotFound, "job not found")
			return
		}
		s.logger.Error("failed to retrieve job", "job_id", jobID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to retrieve job")
		return
	}

	respondJSON(w, http.StatusOK, JobStatusResponse{
		JobID:     job.ID,
		Status:    string(job.Status),
		Message:   job.Message,
		Request:   job.Request,
		CreatedAt: job.CreatedAt,
		UpdatedAt: job.UpdatedAt,
	})
}

// handleResult handles GET /result/{jobID}.stdout and GET /result/{jobID}.stderr.
// A known job whose output was never written yields 200 with an empty body.
func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "file")
	dot := strings.LastIndexByte(name, '.')
	if dot < 0 {
		s.writeError(w, http.StatusNotFound, "result must be <job>.stdout or <job>.stderr")
		return
	}
	stream, ok := files.ParseStream(name[dot+1:])
	if !ok {
		s.writeError(w, http.StatusNotFound, "result must be <job>.stdout or <job>.stderr")
		return
	}
	jobID, ok := s.jobIDParam(w, name[:dot])
	if !ok {
		return
	}

	if _, err := s.store.Get(r.Context(), jobID); err != nil {
		if errors.Is(err, queue.ErrJobNotFound) {
			s.writeError(w, http.StatusNotFound, "job not found")
			return
		}
		s.logger.Error("failed to retrieve job", "job_id", jobID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to retrieve job")
		return
	}

	f, err := s.layout.OpenOutput(jobID, stream)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			w.WriteHeader(http.StatusOK)
			return
		}
		s.logger.Error("failed to open result", "job_id", jobID, "stream", stream, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to open result")
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, f); err != nil {
		s.logger.Warn("failed to stream result", "job_id", jobID, "stream", stream, "error", err)
	}
}

// jobIDParam validates a job id taken from the URL. Ids are UUIDs; anything
// else is rejected before it reaches the store or the filesystem.
func (s *Server) jobIDParam(w http.ResponseWriter, raw string) (string, bool) {
	id, err := uuid.Parse(raw)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid job id")
		return "", false
	}
	return id.String(), true
}

// respondJSON is a helper to write JSON responses
func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
