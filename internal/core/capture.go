package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
)

// CaptureOptions controls a single page capture.
type CaptureOptions struct {
	// Timeout is the deadline for navigation, rendering and the screenshot.
	// If <= 0, DefaultCaptureTimeout is used.
	Timeout time.Duration
	// Width and Height set the emulated viewport. Zero values use the defaults.
	Width  int
	Height int
}

func (o CaptureOptions) withDefaults() CaptureOptions {
	if o.Timeout <= 0 {
		o.Timeout = DefaultCaptureTimeout
	}
	if o.Width <= 0 {
		o.Width = DefaultViewportWidth
	}
	if o.Height <= 0 {
		o.Height = DefaultViewportHeight
	}
	return o
}

// Capture is the output of capturing one page.
type Capture struct {
	// Image is the PNG screenshot of the viewport.
	Image []byte
	// FinalURL is the browser's URL after redirects.
	FinalURL string
	// Title is the document title, or the <title> element if that was blank.
	Title string
	// Description is the page's meta description, if any.
	Description string
}

// Capturer renders a URL and screenshots it.
type Capturer interface {
	Capture(ctx context.Context, url string, opts CaptureOptions) (Capture, error)
}

// CaptureReason classifies capture failures.
type CaptureReason string

const (
	CaptureTimeout    CaptureReason = "timeout"
	CaptureNavigation CaptureReason = "navigation"
	CaptureRender     CaptureReason = "render"
)

type CaptureError struct {
	Reason CaptureReason
	Err    error
}

func (e *CaptureError) Error() string {
	return fmt.Sprintf("capture %s: %v", e.Reason, e.Err)
}

func (e *CaptureError) Unwrap() error { return e.Err }

// ErrBlockedURL is wrapped in a navigation CaptureError when the target
// resolves to a non-public address.
var ErrBlockedURL = errors.New("blocked internal address")

// ChromeCapturer captures pages with a real Chrome/Chromium browser via the
// DevTools protocol. Every capture gets its own browser process.
type ChromeCapturer struct {
	// ChromePath optionally overrides the Chrome/Chromium executable path.
	ChromePath string
	// Headful shows the browser window, for debugging.
	Headful bool
	// AllowPrivate permits loopback and private-network targets.
	AllowPrivate bool
}

func (c *ChromeCapturer) Capture(ctx context.Context, url string, opts CaptureOptions) (Capture, error) {
	opts = opts.withDefaults()

	if !c.AllowPrivate && isInternalURL(url) {
		return Capture{}, &CaptureError{Reason: CaptureNavigation, Err: ErrBlockedURL}
	}

	allocatorOpts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	allocatorOpts = append(allocatorOpts,
		chromedp.NoDefaultBrowserCheck,
		chromedp.NoFirstRun,
		chromedp.UserAgent(UserAgent),
		chromedp.WindowSize(opts.Width, opts.Height),
	)
	if c.ChromePath != "" {
		allocatorOpts = append(allocatorOpts, chromedp.ExecPath(c.ChromePath))
	}
	if c.Headful {
		allocatorOpts = append(allocatorOpts, chromedp.Flag("headless", false))
	}

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, allocatorOpts...)
	defer cancelAlloc()

	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx)
	defer cancelBrowser()

	runCtx, cancelRun := context.WithTimeout(browserCtx, opts.Timeout)
	defer cancelRun()

	if err := chromedp.Run(runCtx,
		chromedp.EmulateViewport(int64(opts.Width), int64(opts.Height), chromedp.EmulateScale(1)),
		chromedp.Navigate(url),
	); err != nil {
		return Capture{}, classifyCaptureError(runCtx, CaptureNavigation, err)
	}

	var (
		image    []byte
		html     string
		title    string
		finalURL string
	)
	if err := chromedp.Run(runCtx,
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Location(&finalURL),
		chromedp.Title(&title),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
		chromedp.ActionFunc(func(ctx context.Context) error {
			var err error
			image, err = page.CaptureScreenshot().
				WithFormat(page.CaptureScreenshotFormatPng).
				WithFromSurface(true).
				Do(ctx)
			return err
		}),
	); err != nil {
		return Capture{}, classifyCaptureError(runCtx, CaptureRender, err)
	}
	if len(image) == 0 {
		return Capture{}, &CaptureError{Reason: CaptureRender, Err: errors.New("empty screenshot")}
	}

	pageTitle, description := extractPageMeta(html)
	if strings.TrimSpace(title) == "" {
		title = pageTitle
	}

	return Capture{
		Image:       image,
		FinalURL:    finalURL,
		Title:       strings.TrimSpace(title),
		Description: description,
	}, nil
}

func classifyCaptureError(runCtx context.Context, reason CaptureReason, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		reason = CaptureTimeout
	}
	return &CaptureError{Reason: reason, Err: err}
}

// extractPageMeta returns the <title> text and the meta description of html,
// falling back to the Open Graph tags.
func extractPageMeta(html string) (title, description string) {
	if strings.TrimSpace(html) == "" {
		return "", ""
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", ""
	}

	title = strings.TrimSpace(doc.Find("title").First().Text())
	if title == "" {
		title = metaContent(doc, `meta[property="og:title"]`)
	}

	description = metaContent(doc, `meta[name="description"]`)
	if description == "" {
		description = metaContent(doc, `meta[property="og:description"]`)
	}
	return title, description
}

func metaContent(doc *goquery.Document, selector string) string {
	v, _ := doc.Find(selector).First().Attr("content")
	return strings.TrimSpace(v)
}
