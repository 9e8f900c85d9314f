package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/paulschiretz/pgl-transfer/pkg/decision"
)

// --- Helpers ---

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("failed to create parent of %s: %v", path, err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write %s: %v", path, err)
	}
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read %s: %v", path, err)
	}
	return string(b)
}

func assertNotExist(t *testing.T, path string) {
	t.Helper()
	if _, err := os.Lstat(path); !os.IsNotExist(err) {
		t.Errorf("expected %s to not exist, got err=%v", path, err)
	}
}

// listFiles returns the relative paths of all regular files below root.
func listFiles(t *testing.T, root string) map[string]string {
	t.Helper()
	files := make(map[string]string)
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.Mode().IsRegular() {
			rel, _ := filepath.Rel(root, path)
			files[rel] = readFile(t, path)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("failed to list %s: %v", root, err)
	}
	return files
}

type scriptedResolver struct {
	mu        sync.Mutex
	conflicts []decision.ConflictRequest
	errs      []decision.ErrorRequest
	conflict  func(req decision.ConflictRequest) decision.Conflict
	onError   func(req decision.ErrorRequest) decision.ErrorAction
}

func (s *scriptedResolver) ResolveConflict(ctx context.Context, req decision.ConflictRequest) decision.Conflict {
	s.mu.Lock()
	s.conflicts = append(s.conflicts, req)
	s.mu.Unlock()
	if s.conflict == nil {
		return decision.Conflict{Action: decision.Skip}
	}
	return s.conflict(req)
}

func (s *scriptedResolver) ResolveError(ctx context.Context, req decision.ErrorRequest) decision.ErrorAction {
	s.mu.Lock()
	s.errs = append(s.errs, req)
	s.mu.Unlock()
	if s.onError == nil {
		return decision.SkipItem
	}
	return s.onError(req)
}

func runJob(t *testing.T, req Request, job Job, resolver decision.Resolver) (*Worker, Result) {
	t.Helper()
	w := NewWorker(req, job, Options{Resolver: resolver})
	if err := w.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	select {
	case <-w.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("job did not finish")
	}
	return w, w.Wait()
}

// --- Tests ---

func TestCopyTree(t *testing.T) {
	base := t.TempDir()
	src := filepath.Join(base, "src")
	dst := filepath.Join(base, "dst")
	writeFile(t, filepath.Join(src, "a.txt"), "alpha")
	writeFile(t, filepath.Join(src, "sub", "b.txt"), "bravo")
	writeFile(t, filepath.Join(src, "sub", "deeper", "c.txt"), "charlie")
	mtime := time.Date(2020, 1, 2, 3, 4, 5, 0, time.UTC)
	if err := os.Chtimes(filepath.Join(src, "a.txt"), mtime, mtime); err != nil {
		t.Fatal(err)
	}

	_, res := runJob(t, Request{Kind: KindCopy, Sources: []string{src}, Destination: dst}, &CopyJob{}, nil)

	if res.Outcome() != Succeeded {
		t.Fatalf("expected success, got %v (err=%v)", res.Outcome(), res.Err)
	}
	want := listFiles(t, src)
	got := listFiles(t, filepath.Join(dst, "src"))
	if len(got) != len(want) {
		t.Fatalf("expected %d files, got %d: %v", len(want), len(got), got)
	}
	for rel, content := range want {
		if got[rel] != content {
			t.Errorf("file %s: expected %q, got %q", rel, content, got[rel])
		}
	}
	info, err := os.Stat(filepath.Join(dst, "src", "a.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if !info.ModTime().Equal(mtime) {
		t.Errorf("expected mtime %v, got %v", mtime, info.ModTime())
	}
	if res.Successes != 3 {
		t.Errorf("expected 3 successes, got %d", res.Successes)
	}
	if _, ok := res.Changes.Created[filepath.Join(dst, "src", "sub", "deeper", "c.txt")]; !ok {
		t.Errorf("created set is missing c.txt: %v", res.Changes.CreatedPaths())
	}
	if len(res.Changes.Removed) != 0 {
		t.Errorf("copy must not remove anything, got %v", res.Changes.RemovedPaths())
	}
}

func TestCopyRecordsCreatedDestinationAncestors(t *testing.T) {
	base := t.TempDir()
	src := filepath.Join(base, "a.txt")
	writeFile(t, src, "alpha")
	dst := filepath.Join(base, "x", "y", "z")

	_, res := runJob(t, Request{Kind: KindCopy, Sources: []string{src}, Destination: dst}, &CopyJob{}, nil)

	if res.Outcome() != Succeeded {
		t.Fatalf("expected success, got %v (err=%v)", res.Outcome(), res.Err)
	}
	for _, dir := range []string{filepath.Join(base, "x"), filepath.Join(base, "x", "y"), dst} {
		if _, ok := res.Changes.Created[dir]; !ok {
			t.Errorf("created set is missing %s: %v", dir, res.Changes.CreatedPaths())
		}
	}
	if _, ok := res.Changes.Created[base]; ok {
		t.Errorf("existing directory %s must not be recorded as created", base)
	}
}

func TestCopyRejectsDestinationInsideSource(t *testing.T) {
	base := t.TempDir()
	src := filepath.Join(base, "src")
	writeFile(t, filepath.Join(src, "a.txt"), "alpha")

	testCases := []struct {
		name string
		kind Kind
		job  Job
		dst  string
	}{
		{"CopyIntoItself", KindCopy, &CopyJob{}, src},
		{"CopyIntoChild", KindCopy, &CopyJob{}, filepath.Join(src, "child")},
		{"MoveIntoChild", KindMove, &MoveJob{}, filepath.Join(src, "child")},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, res := runJob(t, Request{Kind: tc.kind, Sources: []string{src}, Destination: tc.dst}, tc.job, nil)
			if !errors.Is(res.Err, ErrDestinationInsideSource) {
				t.Fatalf("expected ErrDestinationInsideSource, got %v", res.Err)
			}
			if res.Outcome() != Failed {
				t.Errorf("expected Failed outcome, got %v", res.Outcome())
			}
			assertNotExist(t, filepath.Join(src, "child"))
			assertNotExist(t, filepath.Join(src, "src"))
			if got := listFiles(t, src); len(got) != 1 {
				t.Errorf("source was modified: %v", got)
			}
		})
	}
}

func TestCopyConflictRename(t *testing.T) {
	base := t.TempDir()
	src := filepath.Join(base, "src")
	dst := filepath.Join(base, "dst")
	writeFile(t, filepath.Join(src, "a.txt"), "hi")
	writeFile(t, filepath.Join(dst, "a.txt"), "bye")

	resolver := &scriptedResolver{
		conflict: func(req decision.ConflictRequest) decision.Conflict {
			return decision.Conflict{Action: decision.Rename, NewPath: "a (1).txt"}
		},
	}
	_, res := runJob(t, Request{Kind: KindCopy, Sources: []string{filepath.Join(src, "a.txt")}, Destination: dst}, &CopyJob{}, resolver)

	if res.Outcome() != Succeeded {
		t.Fatalf("expected success, got %v", res.Outcome())
	}
	if len(resolver.conflicts) != 1 {
		t.Fatalf("expected exactly one conflict prompt, got %d", len(resolver.conflicts))
	}
	if got := resolver.conflicts[0]; got.Destination != filepath.Join(dst, "a.txt") || got.Op != decision.OpCopy {
		t.Errorf("unexpected conflict request %+v", got)
	}
	if got := readFile(t, filepath.Join(dst, "a.txt")); got != "bye" {
		t.Errorf("existing file changed to %q", got)
	}
	if got := readFile(t, filepath.Join(dst, "a (1).txt")); got != "hi" {
		t.Errorf("renamed copy has content %q", got)
	}
}

func TestCopyConflictReplaceAllAsksOnce(t *testing.T) {
	base := t.TempDir()
	src := filepath.Join(base, "src")
	dst := filepath.Join(base, "dst")
	for _, name := range []string{"a", "b", "c"} {
		writeFile(t, filepath.Join(src, name), "new-"+name)
		writeFile(t, filepath.Join(dst, "src", name), "old-"+name)
	}

	resolver := &scriptedResolver{
		conflict: func(req decision.ConflictRequest) decision.Conflict {
			if req.IsDir {
				return decision.Conflict{Action: decision.Replace}
			}
			return decision.Conflict{Action: decision.ReplaceAll}
		},
	}
	_, res := runJob(t, Request{Kind: KindCopy, Sources: []string{src}, Destination: dst}, &CopyJob{}, resolver)

	if res.Outcome() != Succeeded {
		t.Fatalf("expected success, got %v", res.Outcome())
	}
	// One prompt for the directory merge, one for the first file.
	if len(resolver.conflicts) != 2 {
		t.Errorf("expected 2 prompts, got %d", len(resolver.conflicts))
	}
	for _, name := range []string{"a", "b", "c"} {
		if got := readFile(t, filepath.Join(dst, "src", name)); got != "new-"+name {
			t.Errorf("%s: expected replaced content, got %q", name, got)
		}
	}
}

func TestCopyOntoItselfCreatesDuplicates(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.txt"), "hi")
	req := Request{Kind: KindCopy, Sources: []string{filepath.Join(dir, "a.txt")}, Destination: dir}

	for _, want := range []string{"a - Copy.txt", "a - Copy (2).txt"} {
		_, res := runJob(t, req, &CopyJob{}, nil)
		if res.Outcome() != Succeeded {
			t.Fatalf("expected success, got %v", res.Outcome())
		}
		if got := readFile(t, filepath.Join(dir, want)); got != "hi" {
			t.Errorf("%s: got %q", want, got)
		}
	}
}

func TestCopyCancelledMidway(t *testing.T) {
	base := t.TempDir()
	src := filepath.Join(base, "src")
	dst := filepath.Join(base, "dst")
	for i := 1; i <= 5; i++ {
		writeFile(t, filepath.Join(src, fmt.Sprintf("f%d", i)), fmt.Sprintf("content %d", i))
	}
	// The third file collides; the user cancels at that prompt.
	writeFile(t, filepath.Join(dst, "src", "f3"), "old")

	resolver := &scriptedResolver{
		conflict: func(req decision.ConflictRequest) decision.Conflict {
			if req.IsDir {
				return decision.Conflict{Action: decision.Replace}
			}
			return decision.Conflict{Action: decision.Cancel}
		},
	}
	_, res := runJob(t, Request{Kind: KindCopy, Sources: []string{src}, Destination: dst}, &CopyJob{}, resolver)

	if !res.Cancelled || res.Outcome() != Cancelled {
		t.Fatalf("expected cancelled result, got %+v", res)
	}
	got := listFiles(t, filepath.Join(dst, "src"))
	want := map[string]string{"f1": "content 1", "f2": "content 2", "f3": "old"}
	if len(got) != len(want) {
		t.Fatalf("expected files %v, got %v", want, got)
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("%s: expected %q, got %q", k, v, got[k])
		}
	}
	created := res.Changes.CreatedPaths()
	wantCreated := []string{filepath.Join(dst, "src", "f1"), filepath.Join(dst, "src", "f2")}
	if fmt.Sprint(created) != fmt.Sprint(wantCreated) {
		t.Errorf("expected created %v, got %v", wantCreated, created)
	}
}

func TestCopyFollowsIndirection(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "remote payload")
	}))
	defer server.Close()

	base := t.TempDir()
	shortcut := filepath.Join(base, "src", "file.bin.url")
	writeFile(t, shortcut, "[InternetShortcut]\nURL="+server.URL+"/file.bin\n")
	dst := filepath.Join(base, "dst")

	job := &CopyJob{Fetcher: NewHTTPFetcher(5 * time.Second)}
	req := Request{Kind: KindCopy, Sources: []string{shortcut}, Destination: dst, FollowIndirection: true}
	_, res := runJob(t, req, job, nil)

	if res.Outcome() != Succeeded {
		t.Fatalf("expected success, got %v (err=%v)", res.Outcome(), res.Err)
	}
	if got := readFile(t, filepath.Join(dst, "file.bin")); got != "remote payload" {
		t.Errorf("unexpected fetched content %q", got)
	}
	assertNotExist(t, filepath.Join(dst, "file.bin.url"))
}

func TestMoveTree(t *testing.T) {
	base := t.TempDir()
	src := filepath.Join(base, "src")
	dst := filepath.Join(base, "dst")
	writeFile(t, filepath.Join(src, "a.txt"), "alpha")
	writeFile(t, filepath.Join(src, "sub", "b.txt"), "bravo")

	_, res := runJob(t, Request{Kind: KindMove, Sources: []string{src}, Destination: dst}, &MoveJob{}, nil)

	if res.Outcome() != Succeeded {
		t.Fatalf("expected success, got %v (err=%v)", res.Outcome(), res.Err)
	}
	assertNotExist(t, src)
	got := listFiles(t, filepath.Join(dst, "src"))
	if got["a.txt"] != "alpha" || got[filepath.Join("sub", "b.txt")] != "bravo" || len(got) != 2 {
		t.Errorf("unexpected destination content %v", got)
	}
	for _, p := range []string{src, filepath.Join(src, "sub"), filepath.Join(src, "a.txt")} {
		if _, ok := res.Changes.Removed[p]; !ok {
			t.Errorf("removed set is missing %s", p)
		}
	}
}

func TestMoveKeepsSourceDirWhenChildSkipped(t *testing.T) {
	base := t.TempDir()
	src := filepath.Join(base, "src")
	dst := filepath.Join(base, "dst")
	writeFile(t, filepath.Join(src, "keep", "a.txt"), "new")
	writeFile(t, filepath.Join(src, "go", "b.txt"), "bravo")
	writeFile(t, filepath.Join(dst, "src", "keep", "a.txt"), "old")

	resolver := &scriptedResolver{
		conflict: func(req decision.ConflictRequest) decision.Conflict {
			if req.IsDir {
				return decision.Conflict{Action: decision.Replace}
			}
			return decision.Conflict{Action: decision.Skip}
		},
	}
	_, res := runJob(t, Request{Kind: KindMove, Sources: []string{src}, Destination: dst}, &MoveJob{}, resolver)

	if res.Cancelled || res.Err != nil {
		t.Fatalf("unexpected result %+v", res)
	}
	if got := readFile(t, filepath.Join(src, "keep", "a.txt")); got != "new" {
		t.Errorf("skipped source changed: %q", got)
	}
	if got := readFile(t, filepath.Join(dst, "src", "keep", "a.txt")); got != "old" {
		t.Errorf("skipped destination changed: %q", got)
	}
	assertNotExist(t, filepath.Join(src, "go"))
	if got := readFile(t, filepath.Join(dst, "src", "go", "b.txt")); got != "bravo" {
		t.Errorf("moved file has content %q", got)
	}
	if _, ok := res.Changes.Removed[src]; ok {
		t.Error("source root must not be reported removed")
	}
}

func TestDelete(t *testing.T) {
	base := t.TempDir()
	tree := filepath.Join(base, "tree")
	writeFile(t, filepath.Join(tree, "a.txt"), "alpha")
	writeFile(t, filepath.Join(tree, "sub", "b.txt"), "bravo")
	missing := filepath.Join(base, "gone")

	resolver := &scriptedResolver{}
	_, res := runJob(t, Request{Kind: KindDelete, Sources: []string{tree, missing}}, &DeleteJob{}, resolver)

	if res.Outcome() != Succeeded {
		t.Fatalf("expected success, got %v (err=%v, failures=%d)", res.Outcome(), res.Err, res.Failures)
	}
	if res.Failures != 0 {
		t.Errorf("vanished path must not count as failure, got %d", res.Failures)
	}
	if len(resolver.errs) != 0 {
		t.Errorf("vanished path must not prompt, got %v", resolver.errs)
	}
	assertNotExist(t, tree)
	removed := res.Changes.RemovedPaths()
	if len(removed) != 4 {
		t.Errorf("expected 4 removed paths, got %v", removed)
	}
}

func TestAttemptProtocol(t *testing.T) {
	boom := errors.New("boom")

	t.Run("RetryThenSkip", func(t *testing.T) {
		calls := 0
		answers := []decision.ErrorAction{decision.Retry, decision.SkipItem}
		resolver := &scriptedResolver{onError: func(req decision.ErrorRequest) decision.ErrorAction {
			a := answers[0]
			answers = answers[1:]
			return a
		}}
		var attemptErr error
		job := JobFunc(func(w *Worker) error {
			attemptErr = w.Attempt("item", true, func() error {
				calls++
				return boom
			})
			return nil
		})
		_, res := runJob(t, Request{Kind: KindDelete, Sources: []string{"x"}}, job, resolver)
		if calls != 2 {
			t.Errorf("expected 2 calls, got %d", calls)
		}
		if !errors.Is(attemptErr, ErrSkipped) || !errors.Is(attemptErr, boom) {
			t.Errorf("expected skipped error wrapping boom, got %v", attemptErr)
		}
		if res.Failures != 1 || res.Outcome() != PartiallyFailed {
			t.Errorf("unexpected result %+v", res)
		}
	})

	t.Run("SkipAllSuppressesPrompts", func(t *testing.T) {
		resolver := &scriptedResolver{onError: func(req decision.ErrorRequest) decision.ErrorAction {
			return decision.SkipAllItems
		}}
		job := JobFunc(func(w *Worker) error {
			for i := 0; i < 3; i++ {
				w.Attempt(fmt.Sprintf("item%d", i), true, func() error { return boom })
			}
			return nil
		})
		_, res := runJob(t, Request{Kind: KindDelete, Sources: []string{"x"}}, job, resolver)
		if len(resolver.errs) != 1 {
			t.Errorf("expected one prompt, got %d", len(resolver.errs))
		}
		if res.Failures != 3 {
			t.Errorf("expected 3 failures, got %d", res.Failures)
		}
	})

	t.Run("CancelAbortsJob", func(t *testing.T) {
		resolver := &scriptedResolver{onError: func(req decision.ErrorRequest) decision.ErrorAction {
			return decision.Abort
		}}
		ran := 0
		job := JobFunc(func(w *Worker) error {
			for i := 0; i < 3; i++ {
				if err := w.Attempt("item", false, func() error { ran++; return boom }); err != nil && errors.Is(err, context.Canceled) {
					return err
				}
			}
			return nil
		})
		_, res := runJob(t, Request{Kind: KindDelete, Sources: []string{"x"}}, job, resolver)
		if ran != 1 {
			t.Errorf("expected the job to stop after the first item, ran %d", ran)
		}
		if !res.Cancelled || res.Failures != 0 {
			t.Errorf("expected cancelled without failures, got %+v", res)
		}
	})
}

func TestCancelClosesTrackedStreams(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	started := make(chan struct{})

	job := JobFunc(func(w *Worker) error {
		untrack := w.Track(pr)
		defer untrack()
		close(started)
		_, err := io.ReadAll(pr)
		if w.Cancelled() {
			return context.Canceled
		}
		return err
	})
	w := NewWorker(Request{Kind: KindCopy, Sources: []string{"x"}}, job, Options{})
	if err := w.Start(); err != nil {
		t.Fatal(err)
	}
	<-started
	w.Cancel()

	select {
	case <-w.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("cancel did not unblock the read")
	}
	if res := w.Wait(); !res.Cancelled {
		t.Errorf("expected cancelled result, got %+v", res)
	}
	if w.State() != Finished {
		t.Errorf("expected Finished state, got %v", w.State())
	}
	if err := w.Start(); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("expected ErrAlreadyStarted, got %v", err)
	}
}

func TestCompletionDispatchedOnce(t *testing.T) {
	loop := decision.NewLoop()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var results []Result
	w := NewWorker(Request{Kind: KindCopy, Sources: []string{"x"}}, JobFunc(func(w *Worker) error {
		w.SetCurrent("x")
		return nil
	}), Options{
		Dispatcher: loop,
		OnComplete: func(r Result) {
			results = append(results, r)
			loop.Close()
		},
	})
	if err := w.Start(); err != nil {
		t.Fatal(err)
	}
	loop.Run(ctx)

	if len(results) != 1 {
		t.Fatalf("expected one completion, got %d", len(results))
	}
	if results[0].Outcome() != Succeeded {
		t.Errorf("unexpected outcome %v", results[0].Outcome())
	}
	if p := w.Progress(); p.CurrentPath != "x" || p.State != Finished {
		t.Errorf("unexpected progress %+v", p)
	}
}

func TestRegistry(t *testing.T) {
	base := t.TempDir()
	release := make(chan struct{})
	blocking := JobFunc(func(w *Worker) error {
		select {
		case <-release:
			return nil
		case <-w.Context().Done():
			return context.Canceled
		}
	})

	r := NewRegistry()
	first := NewWorker(Request{Kind: KindCopy, Sources: []string{filepath.Join(base, "a")}, Destination: filepath.Join(base, "out")}, blocking, Options{})
	if err := r.Add(first); err != nil {
		t.Fatal(err)
	}
	first.Start()

	overlapping := NewWorker(Request{Kind: KindDelete, Sources: []string{filepath.Join(base, "out", "x")}}, blocking, Options{})
	if err := r.Add(overlapping); !errors.Is(err, ErrPathsBusy) {
		t.Errorf("expected ErrPathsBusy, got %v", err)
	}

	second := NewWorker(Request{Kind: KindDelete, Sources: []string{filepath.Join(base, "b")}}, blocking, Options{})
	if err := r.Add(second); err != nil {
		t.Fatalf("disjoint job rejected: %v", err)
	}
	second.Start()

	if n := len(r.Active()); n != 2 {
		t.Errorf("expected 2 active jobs, got %d", n)
	}

	r.CancelAll()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.Wait(ctx); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if !first.Wait().Cancelled || !second.Wait().Cancelled {
		t.Error("expected both jobs to be cancelled")
	}
	close(release)
}

type fakeTrash struct {
	trashed []string
}

func (f *fakeTrash) Trash(path string) error {
	if _, err := os.Lstat(path); err != nil {
		return err
	}
	f.trashed = append(f.trashed, path)
	return nil
}

func TestDispose(t *testing.T) {
	base := t.TempDir()
	a := filepath.Join(base, "a")
	writeFile(t, a, "x")
	trash := &fakeTrash{}

	res := Dispose(context.Background(), trash, Request{Kind: KindDelete, Sources: []string{a, filepath.Join(base, "missing")}})
	if res.Outcome() != Succeeded || res.Successes != 1 {
		t.Errorf("unexpected result %+v", res)
	}
	removed := res.Changes.RemovedPaths()
	sort.Strings(trash.trashed)
	if fmt.Sprint(removed) != fmt.Sprint(trash.trashed) {
		t.Errorf("removed %v, trashed %v", removed, trash.trashed)
	}
}

func TestReadShortcut(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.url")
	writeFile(t, good, "[Other]\nURL=wrong\n[InternetShortcut]\r\nURL = https://example.com/x\r\n")
	if got, err := ReadShortcut(good); err != nil || got != "https://example.com/x" {
		t.Errorf("ReadShortcut = %q, %v", got, err)
	}
	bad := filepath.Join(dir, "bad.url")
	writeFile(t, bad, "[InternetShortcut]\nIconFile=x\n")
	if _, err := ReadShortcut(bad); !errors.Is(err, ErrNoShortcutURL) {
		t.Errorf("expected ErrNoShortcutURL, got %v", err)
	}
}
