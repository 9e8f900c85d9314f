package decision

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/paulschiretz/pgl-transfer/pkg/util"
)

// Policy is a non-interactive Resolver. It answers every conflict with the
// same action and retries failed items up to RetryCount times before
// answering OnError.
type Policy struct {
	OnConflict ConflictAction
	OnError    ErrorAction
	RetryCount int

	mu      sync.Mutex
	retries map[string]int
}

// NewPolicy creates a Policy.
func NewPolicy(onConflict ConflictAction, onError ErrorAction, retryCount int) *Policy {
	return &Policy{
		OnConflict: onConflict,
		OnError:    onError,
		RetryCount: retryCount,
		retries:    make(map[string]int),
	}
}

func (p *Policy) ResolveConflict(ctx context.Context, req ConflictRequest) Conflict {
	if ctx.Err() != nil {
		return Conflict{Action: Cancel}
	}
	if p.OnConflict == Rename {
		return Conflict{Action: Rename, NewPath: SuggestName(req.Destination)}
	}
	return Conflict{Action: p.OnConflict}
}

func (p *Policy) ResolveError(ctx context.Context, req ErrorRequest) ErrorAction {
	if ctx.Err() != nil {
		return Abort
	}
	if req.RetryAllowed {
		p.mu.Lock()
		if p.retries == nil {
			p.retries = make(map[string]int)
		}
		n := p.retries[req.Path]
		if n < p.RetryCount {
			p.retries[req.Path] = n + 1
		}
		p.mu.Unlock()
		if n < p.RetryCount {
			return Retry
		}
	}
	if p.OnError == Retry {
		// Retry budget exhausted.
		return SkipItem
	}
	return p.OnError
}

var _ Resolver = (*Policy)(nil)

// ErrNameCollision is returned by ValidateRename when the proposed name is taken.
var ErrNameCollision = errors.New("name already exists")

// SuggestName returns the first free sibling of path named "<stem> (N)<ext>", N starting at 1.
func SuggestName(path string) string {
	dir, base := filepath.Split(path)
	stem, ext := util.SplitExt(base)
	for n := 1; ; n++ {
		candidate := filepath.Join(dir, fmt.Sprintf("%s (%d)%s", stem, n, ext))
		if _, err := os.Lstat(candidate); os.IsNotExist(err) {
			return candidate
		}
	}
}

// ValidateRename resolves a rename proposal for destination. A bare name is
// placed next to destination; an empty proposal gets a suggested name.
// The result must not exist and must stay in destination's directory.
func ValidateRename(destination, proposed string) (string, error) {
	dir := filepath.Dir(destination)
	if proposed == "" {
		return SuggestName(destination), nil
	}
	candidate := proposed
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(dir, candidate)
	}
	candidate = filepath.Clean(candidate)
	if filepath.Dir(candidate) != filepath.Clean(dir) {
		return "", fmt.Errorf("renamed path %s must stay in %s", candidate, dir)
	}
	if _, err := os.Lstat(candidate); err == nil {
		return "", fmt.Errorf("%s: %w", candidate, ErrNameCollision)
	} else if !os.IsNotExist(err) {
		return "", err
	}
	return candidate, nil
}
