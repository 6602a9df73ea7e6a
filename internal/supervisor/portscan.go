package supervisor

import (
	"bytes"
	"regexp"
	"strconv"
	"sync"
)

// maxLineBytes bounds the partial line kept between chunks.
const maxLineBytes = 64 * 1024

var (
	portPattern = regexp.MustCompile(`PORT=(\d+)`)
	// A partial line only counts once the digit run has ended.
	partialPortPattern = regexp.MustCompile(`PORT=(\d+)\D`)
)

// PortScanner assembles a process's stdout chunks into lines and records the
// first PORT=<digits> announcement. An announcement without a trailing newline
// is recognised as soon as a non-digit follows the port. It is safe for concurrent use and can be
// installed directly as exec.Cmd.Stdout.
type PortScanner struct {
	mu      sync.Mutex
	partial []byte
	port    int
	onLine  func(line string)
}

// NewPortScanner builds a scanner. onLine, when non-nil, receives every
// complete stdout line.
func NewPortScanner(onLine func(line string)) *PortScanner {
	return &PortScanner{onLine: onLine}
}

// Write feeds one chunk of output. It never fails.
func (s *PortScanner) Write(chunk []byte) (int, error) {
	s.mu.Lock()
	s.partial = append(s.partial, chunk...)
	var lines []string
	for {
		idx := bytes.IndexByte(s.partial, '\n')
		if idx < 0 {
			break
		}
		line := string(bytes.TrimRight(s.partial[:idx], "\r"))
		s.partial = s.partial[idx+1:]
		s.match(portPattern, line)
		lines = append(lines, line)
	}
	s.match(partialPortPattern, string(s.partial))
	if len(s.partial) > maxLineBytes {
		s.partial = s.partial[len(s.partial)-maxLineBytes:]
	}
	s.mu.Unlock()

	if s.onLine != nil {
		for _, line := range lines {
			s.onLine(line)
		}
	}
	return len(chunk), nil
}

// Flush treats any buffered partial line as complete, for use once the
// stream has ended.
func (s *PortScanner) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.partial) == 0 {
		return
	}
	s.match(portPattern, string(s.partial))
	s.partial = nil
}

// Port returns the discovered port, or 0 when none was seen yet.
func (s *PortScanner) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port
}

func (s *PortScanner) match(pattern *regexp.Regexp, line string) {
	if s.port != 0 || line == "" {
		return
	}
	m := pattern.FindStringSubmatch(line)
	if m == nil {
		return
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n <= 0 || n > 65535 {
		return
	}
	s.port = n
}
