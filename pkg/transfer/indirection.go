package transfer

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ShortcutExt is the extension of internet shortcut files.
const ShortcutExt = ".url"

// ErrNoShortcutURL is returned for shortcut files without a URL entry.
var ErrNoShortcutURL = errors.New("shortcut has no URL")

// Fetcher downloads the resource an indirection file points to.
type Fetcher interface {
	Fetch(ctx context.Context, url string, w io.Writer) error
}

// HTTPFetcher fetches http and https URLs.
type HTTPFetcher struct {
	Client *http.Client
}

// NewHTTPFetcher returns a fetcher with a per-request timeout.
func NewHTTPFetcher(timeout time.Duration) *HTTPFetcher {
	return &HTTPFetcher{Client: &http.Client{Timeout: timeout}}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, url string, w io.Writer) error {
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request for %s: %w", url, err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to fetch %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("failed to fetch %s: %s", url, resp.Status)
	}
	if _, err := io.Copy(w, resp.Body); err != nil {
		return fmt.Errorf("failed to download %s: %w", url, err)
	}
	return nil
}

// IsIndirection reports whether path is an internet shortcut.
func IsIndirection(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ShortcutExt)
}

// ReadShortcut returns the URL entry of an internet shortcut file.
//
//	[InternetShortcut]
//	URL=https://example.com/file.bin
func ReadShortcut(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	inSection := false
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if strings.HasPrefix(line, "[") {
			inSection = strings.EqualFold(line, "[InternetShortcut]")
			continue
		}
		if !inSection {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if ok && strings.EqualFold(strings.TrimSpace(key), "URL") {
			return strings.TrimSpace(value), nil
		}
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("failed to read shortcut %s: %w", path, err)
	}
	return "", fmt.Errorf("%s: %w", path, ErrNoShortcutURL)
}

// fetchShortcut downloads the target of the shortcut src into dst. The
// downloaded file gets the shortcut's permissions and the time of the download.
func fetchShortcut(w *Worker, fetcher Fetcher, src, dst string, info os.FileInfo) error {
	url, err := ReadShortcut(src)
	if err != nil {
		return err
	}
	w.SetRemote(url)
	defer w.SetRemote("")

	return writeAtomic(dst, info.Mode().Perm(), time.Time{}, func(out io.Writer) error {
		if err := fetcher.Fetch(w.Context(), url, out); err != nil {
			if w.Cancelled() {
				return context.Canceled
			}
			return err
		}
		return nil
	})
}

// indirectionTarget is the local name of the fetched resource: the shortcut
// name without its extension.
func indirectionTarget(dst string) string {
	return strings.TrimSuffix(dst, filepath.Ext(dst))
}
