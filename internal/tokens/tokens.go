// Package tokens loads the shared secrets that game servers present to the relay.
//
// File format: one token per line. Blank lines are skipped, a line starting with ';' is a
// comment, and a ';' later in a line cuts the rest of it off.
package tokens

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

const commentMarker = ";"

// Set is read-only after Load and safe for concurrent use.
type Set struct {
	m map[string]struct{}
}

func Load(r io.Reader) (*Set, error) {
	s := &Set{m: make(map[string]struct{})}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), 1<<20)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		if i := strings.Index(line, commentMarker); i >= 0 {
			if i == 0 {
				continue
			}
			line = line[:i]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		s.m[line] = struct{}{}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read tokens: %w", err)
	}
	return s, nil
}

func LoadFile(path string) (*Set, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open tokens: %w", err)
	}
	defer f.Close()
	return Load(f)
}

func (s *Set) Contains(candidate string) bool {
	if s == nil || candidate == "" {
		return false
	}
	_, ok := s.m[candidate]
	return ok
}

func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(s.m)
}
