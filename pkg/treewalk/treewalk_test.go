package treewalk

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

// recorder logs every callback as "<event> <rel path>".
type recorder struct {
	root   string
	events []string
	enter  map[string]Action
	visit  map[string]Action
}

func (r *recorder) rel(path string) string {
	rel, _ := filepath.Rel(r.root, path)
	return filepath.ToSlash(rel)
}

func (r *recorder) EnterDir(path string, info os.FileInfo) Action {
	r.events = append(r.events, "enter "+r.rel(path))
	return r.enter[r.rel(path)]
}

func (r *recorder) VisitFile(path string, info os.FileInfo) Action {
	r.events = append(r.events, "visit "+r.rel(path))
	return r.visit[r.rel(path)]
}

func (r *recorder) LeaveDir(path string, info os.FileInfo) Action {
	r.events = append(r.events, "leave "+r.rel(path))
	return Continue
}

func buildTree(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	for _, p := range []string{"a/1.txt", "a/b/2.txt", "c.txt"} {
		full := filepath.Join(root, filepath.FromSlash(p))
		if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(full, []byte(p), 0644); err != nil {
			t.Fatal(err)
		}
	}
	return root
}

func TestWalkOrder(t *testing.T) {
	root := buildTree(t)
	r := &recorder{root: root}

	action, err := Walk(OS, root, r)
	if err != nil {
		t.Fatalf("Walk failed: %v", err)
	}
	if action != Continue {
		t.Errorf("expected Continue, got %v", action)
	}

	want := []string{
		"enter .",
		"enter a",
		"visit a/1.txt",
		"enter a/b",
		"visit a/b/2.txt",
		"leave a/b",
		"leave a",
		"visit c.txt",
		"leave .",
	}
	if !reflect.DeepEqual(r.events, want) {
		t.Errorf("unexpected callback order:\n got: %v\nwant: %v", r.events, want)
	}
}

func TestWalkSkipSubtree(t *testing.T) {
	root := buildTree(t)
	r := &recorder{root: root, enter: map[string]Action{"a": SkipSubtree}}

	if _, err := Walk(OS, root, r); err != nil {
		t.Fatal(err)
	}
	for _, e := range r.events {
		if strings.HasPrefix(e, "visit a/") || e == "leave a" {
			t.Errorf("expected subtree of a to be skipped, got event %q", e)
		}
	}
}

func TestWalkTerminate(t *testing.T) {
	root := buildTree(t)
	r := &recorder{root: root, visit: map[string]Action{"a/1.txt": Terminate}}

	action, err := Walk(OS, root, r)
	if err != nil {
		t.Fatal(err)
	}
	if action != Terminate {
		t.Errorf("expected Terminate, got %v", action)
	}
	last := r.events[len(r.events)-1]
	if last != "visit a/1.txt" {
		t.Errorf("expected walk to stop right after terminating callback, last event %q", last)
	}
}

func TestWalkSymlinkIsLeaf(t *testing.T) {
	root := buildTree(t)
	if err := os.Symlink(filepath.Join(root, "a"), filepath.Join(root, "link")); err != nil {
		t.Skipf("symlinks not supported: %v", err)
	}
	r := &recorder{root: root}
	if _, err := Walk(OS, root, r); err != nil {
		t.Fatal(err)
	}
	var sawLink bool
	for _, e := range r.events {
		if e == "visit link" {
			sawLink = true
		}
		if strings.HasPrefix(e, "visit link/") || e == "enter link" {
			t.Errorf("symlink must not be traversed, got %q", e)
		}
	}
	if !sawLink {
		t.Error("expected symlink to be visited as a leaf")
	}
}

func TestWalkSingleFileRoot(t *testing.T) {
	root := buildTree(t)
	var visited []string
	_, err := Walk(OS, filepath.Join(root, "c.txt"), Funcs{
		Visit: func(path string, info os.FileInfo) Action {
			visited = append(visited, filepath.Base(path))
			return Continue
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(visited, []string{"c.txt"}) {
		t.Errorf("unexpected visits: %v", visited)
	}
}

func TestWalkMissingRoot(t *testing.T) {
	_, err := Walk(OS, filepath.Join(t.TempDir(), "missing"), Funcs{})
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected not-exist error, got %v", err)
	}
}

func TestRelocate(t *testing.T) {
	root := filepath.Join("src", "tree")
	got, err := Relocate(root, filepath.Join("dst", "tree"), filepath.Join(root, "a", "b.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if want := filepath.Join("dst", "tree", "a", "b.txt"); got != want {
		t.Errorf("Relocate = %q, want %q", got, want)
	}
}
