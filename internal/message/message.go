package message

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"
)

// ErrEmptyTemplate marks a template that renders nothing; runs must not
// start with it.
var ErrEmptyTemplate = errors.New("message: template is empty")

// Fields is the flat substitution map handed to Render.
type Fields map[string]string

var placeholderRe = regexp.MustCompile(`\{([A-Za-z0-9_]+)\}`)

// Render substitutes {name} placeholders from fields. Unknown or missing
// fields render as the empty string, never an error; text without
// placeholders passes through untouched.
func Render(tpl string, fields Fields) string {
	return placeholderRe.ReplaceAllStringFunc(tpl, func(m string) string {
		return fields[m[1:len(m)-1]]
	})
}

// Source serves the broadcast template from a file through a cache entry
// {text, source version}; the version (mtime, size) is re-validated on
// every Load so operators can edit the file without restarting.
type Source struct {
	path string

	mu     sync.Mutex
	cached string
	ver    sourceVersion
	valid  bool
}

type sourceVersion struct {
	modTime time.Time
	size    int64
}

func NewSource(path string) *Source {
	return &Source{path: path}
}

func (s *Source) Path() string { return s.path }

// Load returns the template text. A missing or unreadable file and an
// empty (after trimming) template are both errors: the caller treats them
// as fatal before any dispatch happens.
func (s *Source) Load() (string, error) {
	fi, err := os.Stat(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("message: template %s: %w", s.path, err)
		}
		return "", fmt.Errorf("message: stat %s: %w", s.path, err)
	}
	ver := sourceVersion{modTime: fi.ModTime(), size: fi.Size()}

	s.mu.Lock()
	if s.valid && s.ver == ver {
		text := s.cached
		s.mu.Unlock()
		return text, nil
	}
	s.mu.Unlock()

	b, err := os.ReadFile(s.path)
	if err != nil {
		return "", fmt.Errorf("message: read %s: %w", s.path, err)
	}
	text := string(b)
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("%w: %s", ErrEmptyTemplate, s.path)
	}

	s.mu.Lock()
	s.cached = text
	s.ver = ver
	s.valid = true
	s.mu.Unlock()

	return text, nil
}
