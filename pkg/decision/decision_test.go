package decision

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

type scriptedUI struct {
	mu        sync.Mutex
	conflicts []Conflict
	errs      []ErrorAction
}

func (s *scriptedUI) ResolveConflict(ctx context.Context, req ConflictRequest) Conflict {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.conflicts[0]
	s.conflicts = s.conflicts[1:]
	return c
}

func (s *scriptedUI) ResolveError(ctx context.Context, req ErrorRequest) ErrorAction {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.errs[0]
	s.errs = s.errs[1:]
	return a
}

func TestParseActions(t *testing.T) {
	for _, a := range []ConflictAction{Replace, ReplaceAll, Skip, SkipAll, Rename, Cancel} {
		got, err := ParseConflictAction(a.String())
		if err != nil || got != a {
			t.Errorf("ParseConflictAction(%q) = %v, %v", a.String(), got, err)
		}
	}
	if _, err := ParseConflictAction("overwrite"); err == nil {
		t.Error("expected error for unknown conflict action")
	}
	for _, a := range []ErrorAction{Retry, SkipItem, SkipAllItems, Abort} {
		got, err := ParseErrorAction(a.String())
		if err != nil || got != a {
			t.Errorf("ParseErrorAction(%q) = %v, %v", a.String(), got, err)
		}
	}
}

func TestConflictApplyToAll(t *testing.T) {
	testCases := []struct {
		action ConflictAction
		want   bool
	}{
		{Replace, false},
		{ReplaceAll, true},
		{Skip, false},
		{SkipAll, true},
		{Rename, false},
		{Cancel, false},
	}
	for _, tc := range testCases {
		t.Run(tc.action.String(), func(t *testing.T) {
			if got := (Conflict{Action: tc.action}).ApplyToAll(); got != tc.want {
				t.Errorf("ApplyToAll() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestRendezvousAnswersOnLoopGoroutine(t *testing.T) {
	loop := NewLoop()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ui := &scriptedUI{
		conflicts: []Conflict{{Action: Rename, NewPath: "b.txt"}},
		errs:      []ErrorAction{SkipItem},
	}
	r := NewRendezvous(loop, ui)

	type answers struct {
		c Conflict
		e ErrorAction
	}
	got := make(chan answers, 1)
	go func() {
		c := r.ResolveConflict(ctx, ConflictRequest{Source: "a", Destination: "b"})
		e := r.ResolveError(ctx, ErrorRequest{Path: "a", Err: errors.New("boom")})
		got <- answers{c, e}
		loop.Close()
	}()

	loop.Run(ctx)

	select {
	case a := <-got:
		if a.c.Action != Rename || a.c.NewPath != "b.txt" {
			t.Errorf("unexpected conflict answer %+v", a.c)
		}
		if a.e != SkipItem {
			t.Errorf("unexpected error answer %v", a.e)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for answers")
	}
}

func TestRendezvousCancelledContext(t *testing.T) {
	loop := NewLoop()
	defer loop.Close()
	ctx, cancel := context.WithCancel(context.Background())

	r := NewRendezvous(loop, &scriptedUI{})
	done := make(chan Conflict, 1)
	go func() {
		// Nobody runs the loop, so the post blocks until cancellation.
		done <- r.ResolveConflict(ctx, ConflictRequest{Destination: "x"})
	}()
	cancel()
	loop.Close()

	select {
	case c := <-done:
		if c.Action != Cancel {
			t.Errorf("expected Cancel, got %v", c.Action)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("rendezvous did not unblock")
	}
}

func TestLoopPostAfterClose(t *testing.T) {
	loop := NewLoop()
	loop.Close()
	if loop.Post(func() {}) {
		t.Error("Post on a closed loop should return false")
	}
	r := NewRendezvous(loop, &scriptedUI{})
	if a := r.ResolveError(context.Background(), ErrorRequest{Path: "p"}); a != Abort {
		t.Errorf("expected Abort from closed loop, got %v", a)
	}
}

func TestPolicy(t *testing.T) {
	ctx := context.Background()

	t.Run("RetriesThenFallsBack", func(t *testing.T) {
		p := NewPolicy(Skip, SkipItem, 2)
		req := ErrorRequest{Path: "/x", RetryAllowed: true}
		for i := 0; i < 2; i++ {
			if a := p.ResolveError(ctx, req); a != Retry {
				t.Fatalf("attempt %d: expected Retry, got %v", i, a)
			}
		}
		if a := p.ResolveError(ctx, req); a != SkipItem {
			t.Errorf("expected SkipItem after retries, got %v", a)
		}
	})

	t.Run("NoRetryWhenNotAllowed", func(t *testing.T) {
		p := NewPolicy(Skip, Abort, 5)
		if a := p.ResolveError(ctx, ErrorRequest{Path: "/x"}); a != Abort {
			t.Errorf("expected Abort, got %v", a)
		}
	})

	t.Run("CancelledContext", func(t *testing.T) {
		p := NewPolicy(Replace, SkipItem, 0)
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		if c := p.ResolveConflict(cctx, ConflictRequest{}); c.Action != Cancel {
			t.Errorf("expected Cancel, got %v", c.Action)
		}
		if a := p.ResolveError(cctx, ErrorRequest{}); a != Abort {
			t.Errorf("expected Abort, got %v", a)
		}
	})

	t.Run("RenameSuggestsFreeName", func(t *testing.T) {
		dir := t.TempDir()
		dst := filepath.Join(dir, "a.txt")
		if err := os.WriteFile(dst, nil, 0644); err != nil {
			t.Fatal(err)
		}
		p := NewPolicy(Rename, SkipItem, 0)
		c := p.ResolveConflict(ctx, ConflictRequest{Destination: dst})
		if c.Action != Rename || c.NewPath != filepath.Join(dir, "a (1).txt") {
			t.Errorf("unexpected answer %+v", c)
		}
	})
}

func TestSuggestName(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"a.txt", "a (1).txt", "b.tar.gz"} {
		if err := os.WriteFile(filepath.Join(dir, name), nil, 0644); err != nil {
			t.Fatal(err)
		}
	}
	if got, want := SuggestName(filepath.Join(dir, "a.txt")), filepath.Join(dir, "a (2).txt"); got != want {
		t.Errorf("SuggestName = %q, want %q", got, want)
	}
	if got, want := SuggestName(filepath.Join(dir, "b.tar.gz")), filepath.Join(dir, "b (1).tar.gz"); got != want {
		t.Errorf("SuggestName = %q, want %q", got, want)
	}
}

func TestValidateRename(t *testing.T) {
	dir := t.TempDir()
	dst := filepath.Join(dir, "a.txt")
	if err := os.WriteFile(dst, nil, 0644); err != nil {
		t.Fatal(err)
	}

	got, err := ValidateRename(dst, "c.txt")
	if err != nil || got != filepath.Join(dir, "c.txt") {
		t.Errorf("ValidateRename(bare) = %q, %v", got, err)
	}
	if _, err := ValidateRename(dst, "a.txt"); !errors.Is(err, ErrNameCollision) {
		t.Errorf("expected ErrNameCollision, got %v", err)
	}
	if _, err := ValidateRename(dst, filepath.Join("sub", "c.txt")); err == nil {
		t.Error("expected error for rename outside destination directory")
	}
	got, err = ValidateRename(dst, "")
	if err != nil || got != filepath.Join(dir, "a (1).txt") {
		t.Errorf("ValidateRename(empty) = %q, %v", got, err)
	}
}
