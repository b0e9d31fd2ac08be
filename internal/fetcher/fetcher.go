// Package fetcher downloads task assets into container sandboxes.
package fetcher

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rowanhq/stevedore/internal/container"
)

// Fetcher downloads a command's URIs into the sandbox.
type Fetcher interface {
	// Fetch downloads every URI of the command into directory. A
	// non-empty user is only logged; the fetched files keep the
	// daemon's ownership.
	Fetch(ctx context.Context, id container.ID, command container.CommandInfo,
		directory, user string) error

	// Kill cancels any in-flight fetches for the container.
	Kill(id container.ID)
}

// Download fetches http(s) URIs and copies local files.
type Download struct {
	client *http.Client

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// NewDownload creates a download fetcher.
func NewDownload() *Download {
	return &Download{
		client:  &http.Client{},
		cancels: make(map[string]context.CancelFunc),
	}
}

// Fetch downloads each URI in declaration order, stopping at the
// first failure.
func (f *Download) Fetch(ctx context.Context, id container.ID, command container.CommandInfo,
	directory, user string) error {
	if len(command.URIs) == 0 {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	f.mu.Lock()
	f.cancels[id.String()] = cancel
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		delete(f.cancels, id.String())
		f.mu.Unlock()
		cancel()
	}()

	for _, uri := range command.URIs {
		if err := f.fetchOne(ctx, uri, directory); err != nil {
			return fmt.Errorf("fetch %q: %w", uri.Value, err)
		}
	}
	if user != "" {
		log.Printf("fetcher: fetched %d uris into %s for user %s", len(command.URIs), directory, user)
	}
	return nil
}

// Kill cancels the container's in-flight fetches.
func (f *Download) Kill(id container.ID) {
	f.mu.Lock()
	cancel, ok := f.cancels[id.String()]
	delete(f.cancels, id.String())
	f.mu.Unlock()
	if ok {
		cancel()
	}
}

func (f *Download) fetchOne(ctx context.Context, uri container.URI, directory string) error {
	target := filepath.Join(directory, outputFile(uri))
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return err
	}

	switch {
	case strings.HasPrefix(uri.Value, "http://"), strings.HasPrefix(uri.Value, "https://"):
		if err := f.download(ctx, uri.Value, target); err != nil {
			return err
		}
	case strings.HasPrefix(uri.Value, "file://"):
		if err := copyFile(strings.TrimPrefix(uri.Value, "file://"), target); err != nil {
			return err
		}
	case filepath.IsAbs(uri.Value):
		if err := copyFile(uri.Value, target); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unsupported uri scheme")
	}

	if uri.Executable {
		if err := os.Chmod(target, 0755); err != nil {
			return err
		}
	}
	return nil
}

func (f *Download) download(ctx context.Context, rawURL, target string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}

	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, resp.Body); err != nil {
		out.Close()
		os.Remove(target)
		return err
	}
	return out.Close()
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	return out.Close()
}

// outputFile picks the sandbox-relative name for a URI: the explicit
// output file when set, otherwise the URI's basename.
func outputFile(uri container.URI) string {
	if uri.OutputFile != "" {
		return uri.OutputFile
	}
	if u, err := url.Parse(uri.Value); err == nil && u.Path != "" {
		return filepath.Base(u.Path)
	}
	return filepath.Base(uri.Value)
}
