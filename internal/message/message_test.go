package message

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestRender(t *testing.T) {
	t.Parallel()

	fields := Fields{
		"first_name": "Ann",
		"last_name":  "",
		"id":         "7",
	}

	tests := []struct {
		name string
		tpl  string
		want string
	}{
		{"plain text", "hello there", "hello there"},
		{"single field", "hi {first_name}!", "hi Ann!"},
		{"missing field renders empty", "hi {first_name} {last_name}!", "hi Ann !"},
		{"unknown field renders empty", "code {secret} here", "code  here"},
		{"repeated field", "{id} and {id}", "7 and 7"},
		{"all fields", "{first_name}|{last_name}|{id}", "Ann||7"},
		{"unmatched brace passes through", "a { b } c", "a { b } c"},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := Render(tc.tpl, fields); got != tc.want {
				t.Fatalf("Render(%q) = %q, want %q", tc.tpl, got, tc.want)
			}
		})
	}
}

func TestRenderNilFields(t *testing.T) {
	t.Parallel()
	if got := Render("hi {first_name}", nil); got != "hi " {
		t.Fatalf("got %q", got)
	}
}

func TestSourceLoad(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "broadcast.txt")
	if err := os.WriteFile(path, []byte("hi {first_name}"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	src := NewSource(path)
	text, err := src.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if text != "hi {first_name}" {
		t.Fatalf("text = %q", text)
	}

	// Edit behind the cache; bump mtime past timestamp granularity.
	if err := os.WriteFile(path, []byte("bye {first_name}"), 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	future := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	text, err = src.Load()
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if text != "bye {first_name}" {
		t.Fatalf("text = %q, want updated template", text)
	}
}

func TestSourceMissingFile(t *testing.T) {
	t.Parallel()
	src := NewSource(filepath.Join(t.TempDir(), "absent.txt"))
	if _, err := src.Load(); err == nil {
		t.Fatal("want error for missing template")
	}
}

func TestSourceEmptyTemplate(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "broadcast.txt")
	if err := os.WriteFile(path, []byte("  \n\t\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	src := NewSource(path)
	if _, err := src.Load(); !errors.Is(err, ErrEmptyTemplate) {
		t.Fatalf("err = %v, want ErrEmptyTemplate", err)
	}
}
