package process

import (
	"io"
	"os"
	"strings"
)

// fileTail returns up to max trailing bytes of f. A rune split by the cut is
// dropped. Unreadable files yield "".
func fileTail(f *os.File, max int64) string {
	info, err := f.Stat()
	if err != nil || info.Size() == 0 {
		return ""
	}
	off := max64(info.Size()-max, 0)
	buf := make([]byte, info.Size()-off)
	n, err := f.ReadAt(buf, off)
	if err != nil && err != io.EOF {
		return ""
	}
	return strings.ToValidUTF8(string(buf[:n]), "")
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

// spool gives the child a real file descriptor for a sink. Files are used as
// they are; any other writer gets a temp file that is copied into it by
// flush. The child never holds a pipe, so Wait returns as soon as the
// command itself exits, whatever its descendants keep open.
type spool struct {
	sink io.WriteCloser
	file *os.File
	temp bool
}

func newSpool(sink io.WriteCloser) (*spool, error) {
	if f, ok := sink.(*os.File); ok {
		return &spool{sink: sink, file: f}, nil
	}
	f, err := os.CreateTemp("", "shellgate-spool-*")
	if err != nil {
		return nil, err
	}
	return &spool{sink: sink, file: f, temp: true}, nil
}

// flush copies spooled output into the sink and removes the temp file.
func (s *spool) flush() error {
	if !s.temp {
		return nil
	}
	defer func() {
		_ = s.file.Close()
		_ = os.Remove(s.file.Name())
	}()
	if _, err := s.file.Seek(0, io.SeekStart); err != nil {
		return err
	}
	_, err := io.Copy(s.sink, s.file)
	return err
}
