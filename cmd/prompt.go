package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"

	"github.com/paulschiretz/pgl-transfer/pkg/decision"
)

// PromptForConfirmation prompts the user for a yes/no response.
func PromptForConfirmation(prompt string, defaultYes bool) bool {
	suffix := "[y/N]"
	if defaultYes {
		suffix = "[Y/n]"
	}
	fmt.Printf("%s %s: ", prompt, suffix)

	var response string
	_, _ = fmt.Scanln(&response)
	response = strings.ToLower(strings.TrimSpace(response))

	if response == "" {
		return defaultYes
	}
	return response == "y" || response == "yes"
}

// Prompter answers conflict and error questions on a terminal. It is not
// safe for concurrent use and is meant to run on the decision loop.
type Prompter struct {
	in  *bufio.Reader
	out io.Writer

	startOnce sync.Once
	lines     chan string
}

// NewPrompter reads answers from in and writes questions to out.
func NewPrompter(in io.Reader, out io.Writer) *Prompter {
	return &Prompter{in: bufio.NewReader(in), out: out, lines: make(chan string)}
}

// readInput feeds lines to readLine until the input ends. It runs on its own
// goroutine so that a waiting question can give up when its job is cancelled.
func (p *Prompter) readInput() {
	defer close(p.lines)
	for {
		s, err := p.in.ReadString('\n')
		if s != "" {
			p.lines <- s
		}
		if err != nil {
			return
		}
	}
}

// readLine returns the trimmed next line. ok is false once the input is
// exhausted or ctx is done.
func (p *Prompter) readLine(ctx context.Context) (line string, ok bool) {
	p.startOnce.Do(func() { go p.readInput() })
	select {
	case s, open := <-p.lines:
		if !open {
			return "", false
		}
		return strings.TrimSpace(s), true
	case <-ctx.Done():
		return "", false
	}
}

var conflictChoices = map[string]decision.ConflictAction{
	"r": decision.Replace,
	"a": decision.ReplaceAll,
	"s": decision.Skip,
	"l": decision.SkipAll,
	"n": decision.Rename,
	"c": decision.Cancel,
}

func (p *Prompter) ResolveConflict(ctx context.Context, req decision.ConflictRequest) decision.Conflict {
	kind := "File"
	if req.IsDir {
		kind = "Folder"
	}
	for ctx.Err() == nil {
		fmt.Fprintf(p.out, "%s %s already exists (%s from %s).\n", kind, req.Destination, req.Op, req.Source)
		fmt.Fprintf(p.out, "[r]eplace, replace [a]ll, [s]kip, skip a[l]l, re[n]ame, [c]ancel: ")
		answer, ok := p.readLine(ctx)
		if !ok {
			return decision.Conflict{Action: decision.Cancel}
		}
		action, known := conflictChoices[strings.ToLower(answer)]
		if !known {
			if action, err := decision.ParseConflictAction(strings.ToLower(answer)); err == nil {
				return p.conflict(ctx, req, action)
			}
			continue
		}
		return p.conflict(ctx, req, action)
	}
	return decision.Conflict{Action: decision.Cancel}
}

func (p *Prompter) conflict(ctx context.Context, req decision.ConflictRequest, action decision.ConflictAction) decision.Conflict {
	if action != decision.Rename {
		return decision.Conflict{Action: action}
	}
	suggested := filepath.Base(decision.SuggestName(req.Destination))
	for ctx.Err() == nil {
		fmt.Fprintf(p.out, "New name [%s]: ", suggested)
		name, ok := p.readLine(ctx)
		if !ok {
			return decision.Conflict{Action: decision.Cancel}
		}
		if name == "" {
			name = suggested
		}
		if _, err := decision.ValidateRename(req.Destination, name); err != nil {
			fmt.Fprintf(p.out, "%v\n", err)
			continue
		}
		return decision.Conflict{Action: decision.Rename, NewPath: name}
	}
	return decision.Conflict{Action: decision.Cancel}
}

var errorChoices = map[string]decision.ErrorAction{
	"r": decision.Retry,
	"s": decision.SkipItem,
	"a": decision.SkipAllItems,
	"c": decision.Abort,
}

func (p *Prompter) ResolveError(ctx context.Context, req decision.ErrorRequest) decision.ErrorAction {
	for ctx.Err() == nil {
		fmt.Fprintf(p.out, "Error on %s: %v\n", req.Path, req.Err)
		if req.RetryAllowed {
			fmt.Fprintf(p.out, "[r]etry, [s]kip, skip [a]ll, [c]ancel: ")
		} else {
			fmt.Fprintf(p.out, "[s]kip, skip [a]ll, [c]ancel: ")
		}
		answer, ok := p.readLine(ctx)
		if !ok {
			return decision.Abort
		}
		action, known := errorChoices[strings.ToLower(answer)]
		if !known || (action == decision.Retry && !req.RetryAllowed) {
			continue
		}
		return action
	}
	return decision.Abort
}

var _ decision.Resolver = (*Prompter)(nil)
