package refclip

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// CaptureProvider obtains page HTML when the save request did not carry
// pre-captured content. Failure is non-fatal to a page save; callers degrade
// to a snapshotless save.
type CaptureProvider interface {
	CapturePageHTML(ctx context.Context, pageURL string, tabID int) (string, error)
}

// CaptureChain tries each provider in order and returns the first capture.
type CaptureChain []CaptureProvider

func (c CaptureChain) CapturePageHTML(ctx context.Context, pageURL string, tabID int) (string, error) {
	var lastErr error = ErrCaptureUnavailable
	for _, provider := range c {
		if provider == nil {
			continue
		}
		html, err := provider.CapturePageHTML(ctx, pageURL, tabID)
		if err == nil && html != "" {
			return html, nil
		}
		if err != nil {
			lastErr = err
		}
	}
	return "", lastErr
}

// SpoolFileName is the file name the content script writes a capture under:
// a hash of the canonical URL, so background and content script agree on it
// without coordination.
func SpoolFileName(pageURL string) string {
	sum := sha256.Sum256([]byte(NormalizeURL(pageURL)))
	return hex.EncodeToString(sum[:8]) + ".html"
}

// SpoolCaptureProvider watches a spool directory where the extension drops
// captured HTML. A capture request either finds the file already written or
// waits for the watcher to see it arrive.
type SpoolCaptureProvider struct {
	dir     string
	wait    time.Duration
	watcher *fsnotify.Watcher

	mu      sync.Mutex
	waiters map[string][]chan struct{}
	closed  bool
}

func NewSpoolCaptureProvider(dir string, wait time.Duration) (*SpoolCaptureProvider, error) {
	if dir == "" {
		return nil, ErrInvalidInput
	}
	if wait <= 0 {
		wait = 5 * time.Second
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil, err
	}
	p := &SpoolCaptureProvider{
		dir:     dir,
		wait:    wait,
		watcher: watcher,
		waiters: map[string][]chan struct{}{},
	}
	go p.watchLoop()
	return p, nil
}

func (p *SpoolCaptureProvider) watchLoop() {
	for {
		select {
		case event, ok := <-p.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			name := filepath.Base(event.Name)
			p.mu.Lock()
			waiters := p.waiters[name]
			delete(p.waiters, name)
			p.mu.Unlock()
			for _, ch := range waiters {
				close(ch)
			}
		case _, ok := <-p.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

func (p *SpoolCaptureProvider) CapturePageHTML(ctx context.Context, pageURL string, tabID int) (string, error) {
	name := SpoolFileName(pageURL)
	path := filepath.Join(p.dir, name)

	if html, err := readSpoolFile(path); err == nil {
		return html, nil
	}

	arrived := make(chan struct{})
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return "", ErrCaptureUnavailable
	}
	p.waiters[name] = append(p.waiters[name], arrived)
	p.mu.Unlock()

	timer := time.NewTimer(p.wait)
	defer timer.Stop()
	select {
	case <-arrived:
		html, err := readSpoolFile(path)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrCaptureUnavailable, err)
		}
		return html, nil
	case <-timer.C:
		p.dropWaiter(name, arrived)
		return "", ErrCaptureUnavailable
	case <-ctx.Done():
		p.dropWaiter(name, arrived)
		return "", ctx.Err()
	}
}

func (p *SpoolCaptureProvider) dropWaiter(name string, ch chan struct{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	waiters := p.waiters[name]
	for i, w := range waiters {
		if w == ch {
			p.waiters[name] = append(waiters[:i], waiters[i+1:]...)
			break
		}
	}
	if len(p.waiters[name]) == 0 {
		delete(p.waiters, name)
	}
}

func (p *SpoolCaptureProvider) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return p.watcher.Close()
}

func readSpoolFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	if len(data) == 0 {
		return "", errors.New("empty capture file")
	}
	return string(data), nil
}
