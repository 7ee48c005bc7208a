package refclip

import (
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/chromedp/chromedp"
)

// ChromeCaptureProvider is the last-resort capture path: load the page in a
// headless browser and read back the serialized document. Used when neither
// pre-captured content nor a spool file exists.
type ChromeCaptureProvider struct {
	Timeout time.Duration
}

func NewChromeCaptureProvider(timeout time.Duration) *ChromeCaptureProvider {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &ChromeCaptureProvider{Timeout: timeout}
}

func (p *ChromeCaptureProvider) CapturePageHTML(ctx context.Context, pageURL string, tabID int) (string, error) {
	if _, err := exec.LookPath("chromium-browser"); err != nil {
		if _, fallbackErr := exec.LookPath("chromium"); fallbackErr != nil {
			return "", fmt.Errorf("%w: chromium not installed", ErrCaptureUnavailable)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-setuid-sandbox", true),
	)
	allocCtx, cancel := chromedp.NewExecAllocator(ctx, opts...)
	defer cancel()

	taskCtx, cancel := chromedp.NewContext(allocCtx)
	defer cancel()

	var html string
	err := chromedp.Run(taskCtx,
		chromedp.Navigate(pageURL),
		chromedp.WaitReady("body"),
		chromedp.OuterHTML("html", &html),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCaptureUnavailable, err)
	}
	return html, nil
}
