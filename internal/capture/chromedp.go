// Package capture renders pages in a headless browser to build the
// session snapshot shipped with remote jobs.
package capture

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/tududes/websophon/internal/sophon"
)

// Config controls the headless capture provider.
type Config struct {
	UserAgent         string
	NavigationTimeout time.Duration
	ViewportWidth     int
	ViewportHeight    int
}

// Chromedp implements sophon.Capturer with headless Chrome. Each
// capture runs in a fresh browser tab off a shared allocator.
type Chromedp struct {
	cfg         Config
	allocator   context.Context
	allocCancel context.CancelFunc
}

// NewChromedp creates a headless capture provider.
func NewChromedp(cfg Config) (*Chromedp, error) {
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 25 * time.Second
	}
	if cfg.ViewportWidth <= 0 {
		cfg.ViewportWidth = 1280
	}
	if cfg.ViewportHeight <= 0 {
		cfg.ViewportHeight = 800
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Chromedp{
		cfg:         cfg,
		allocator:   allocCtx,
		allocCancel: allocCancel,
	}, nil
}

// Close cancels the allocator context.
func (c *Chromedp) Close() {
	c.allocCancel()
}

// Capture navigates to url, screenshots the full page, and snapshots
// the browsing state (cookies, viewport, user agent, local storage).
func (c *Chromedp) Capture(ctx context.Context, url string) (sophon.CaptureResult, error) {
	taskCtx, taskCancel := chromedp.NewContext(c.allocator)
	defer taskCancel()

	taskCtx, cancel := context.WithTimeout(taskCtx, c.cfg.NavigationTimeout)
	defer cancel()

	// Bind the task to the caller's lifetime.
	go func() {
		select {
		case <-ctx.Done():
			taskCancel()
		case <-taskCtx.Done():
		}
	}()

	var (
		screenshot   []byte
		cookies      []*network.Cookie
		localStorage map[string]string
		userAgent    string
	)
	actions := []chromedp.Action{
		c.setupAction(),
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(500 * time.Millisecond),
		chromedp.FullScreenshot(&screenshot, 90),
		chromedp.Evaluate(`navigator.userAgent`, &userAgent),
		chromedp.Evaluate(`(() => {
			const out = {};
			for (let i = 0; i < localStorage.length; i++) {
				const k = localStorage.key(i);
				out[k] = localStorage.getItem(k);
			}
			return out;
		})()`, &localStorage),
		chromedp.ActionFunc(func(ctx context.Context) error {
			var err error
			cookies, err = network.GetCookies().Do(ctx)
			return err
		}),
	}
	if err := chromedp.Run(taskCtx, actions...); err != nil {
		return sophon.CaptureResult{}, fmt.Errorf("capture %s: %w", url, err)
	}

	return sophon.CaptureResult{
		Screenshot: screenshot,
		Session: sophon.SessionData{
			Cookies:  convertCookies(cookies),
			Viewport: sophon.Viewport{Width: c.cfg.ViewportWidth, Height: c.cfg.ViewportHeight},
			UserAgent: func() string {
				if c.cfg.UserAgent != "" {
					return c.cfg.UserAgent
				}
				return userAgent
			}(),
			LocalStorage: localStorage,
		},
	}, nil
}

func (c *Chromedp) setupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if c.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(c.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		if err := emulation.SetDeviceMetricsOverride(
			int64(c.cfg.ViewportWidth), int64(c.cfg.ViewportHeight), 1, false,
		).Do(ctx); err != nil {
			return fmt.Errorf("set viewport: %w", err)
		}
		return nil
	})
}

func convertCookies(in []*network.Cookie) []sophon.Cookie {
	if len(in) == 0 {
		return nil
	}
	out := make([]sophon.Cookie, 0, len(in))
	for _, c := range in {
		if c == nil {
			continue
		}
		out = append(out, sophon.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  c.Expires,
			Secure:   c.Secure,
			HTTPOnly: c.HTTPOnly,
		})
	}
	return out
}
