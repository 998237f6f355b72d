package files

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Stream names one of a job's captured output files.
type Stream string

const (
	Stdout Stream = "stdout"
	Stderr Stream = "stderr"
)

// ParseStream maps a result file suffix onto a Stream.
func ParseStream(s string) (Stream, bool) {
	switch Stream(s) {
	case Stdout, Stderr:
		return Stream(s), true
	default:
		return "", false
	}
}

var ErrInvalidJobID = errors.New("invalid job id")

// Layout decides where a job's input and captured output live on disk:
// uploads/<id>, downloads/<id>.stdout and downloads/<id>.stderr.
type Layout struct {
	uploadsDir   string
	downloadsDir string
}

// NewLayout returns a layout rooted at the two directories. Directories are
// not created until Init is called.
func NewLayout(uploadsDir, downloadsDir string) (*Layout, error) {
	up := strings.TrimSpace(uploadsDir)
	down := strings.TrimSpace(downloadsDir)
	if up == "" {
		return nil, fmt.Errorf("uploads directory is empty")
	}
	if down == "" {
		return nil, fmt.Errorf("downloads directory is empty")
	}
	return &Layout{
		uploadsDir:   filepath.Clean(up),
		downloadsDir: filepath.Clean(down),
	}, nil
}

// Init creates both directories.
func (l *Layout) Init() error {
	for _, dir := range []string{l.uploadsDir, l.downloadsDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

func (l *Layout) UploadsDir() string   { return l.uploadsDir }
func (l *Layout) DownloadsDir() string { return l.downloadsDir }

func (l *Layout) InputPath(jobID string) string {
	return filepath.Join(l.uploadsDir, jobID)
}

func (l *Layout) StdoutPath(jobID string) string {
	return l.OutputPath(jobID, Stdout)
}

func (l *Layout) StderrPath(jobID string) string {
	return l.OutputPath(jobID, Stderr)
}

func (l *Layout) OutputPath(jobID string, s Stream) string {
	return filepath.Join(l.downloadsDir, jobID+"."+string(s))
}

// WriteInput stores r as the input file for jobID and returns the bytes written.
func (l *Layout) WriteInput(jobID string, r io.Reader) (int64, error) {
	if err := ValidateJobID(jobID); err != nil {
		return 0, err
	}
	if err := os.MkdirAll(l.uploadsDir, 0o755); err != nil {
		return 0, fmt.Errorf("create uploads directory: %w", err)
	}

	path := l.InputPath(jobID)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return 0, fmt.Errorf("create input for job %q: %w", jobID, err)
	}
	n, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(path)
		return 0, fmt.Errorf("write input for job %q: %w", jobID, err)
	}
	return n, nil
}

// RemoveInput deletes the input file for jobID. A missing file is not an error.
func (l *Layout) RemoveInput(jobID string) error {
	if err := ValidateJobID(jobID); err != nil {
		return err
	}
	if err := os.Remove(l.InputPath(jobID)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove input for job %q: %w", jobID, err)
	}
	return nil
}

// CreateOutputs truncates or creates the stdout and stderr files for jobID.
func (l *Layout) CreateOutputs(jobID string) (stdout, stderr io.WriteCloser, err error) {
	if err := ValidateJobID(jobID); err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(l.downloadsDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create downloads directory: %w", err)
	}

	out, err := os.Create(l.StdoutPath(jobID))
	if err != nil {
		return nil, nil, fmt.Errorf("create stdout for job %q: %w", jobID, err)
	}
	errf, err := os.Create(l.StderrPath(jobID))
	if err != nil {
		_ = out.Close()
		return nil, nil, fmt.Errorf("create stderr for job %q: %w", jobID, err)
	}
	return out, errf, nil
}

// OpenOutput opens a captured stream for reading. A job that never ran has
// no output files; callers see an error satisfying errors.Is(err, fs.ErrNotExist).
func (l *Layout) OpenOutput(jobID string, s Stream) (*os.File, error) {
	if err := ValidateJobID(jobID); err != nil {
		return nil, err
	}
	return os.Open(l.OutputPath(jobID, s))
}

// ValidateJobID rejects ids that could escape the layout directories.
func ValidateJobID(jobID string) error {
	trimmed := strings.TrimSpace(jobID)
	if trimmed == "" {
		return fmt.Errorf("%w: empty", ErrInvalidJobID)
	}
	if trimmed != jobID || trimmed == "." || trimmed == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidJobID, jobID)
	}
	if strings.ContainsAny(trimmed, `/\`) {
		return fmt.Errorf("%w: %q must not contain path separators", ErrInvalidJobID, jobID)
	}
	return nil
}
