package unsubscribe

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/chromedp/chromedp"
	"github.com/goccy/go-json"
	"go.uber.org/zap"
)

// ChromeOptions configures the headless Chrome browser.
type ChromeOptions struct {
	// ExecPath overrides Chrome discovery.
	ExecPath string
	Headless bool
}

// Chrome starts a fresh Chrome process with its own profile per session.
type Chrome struct {
	opts   ChromeOptions
	logger *zap.SugaredLogger
}

func NewChrome(opts ChromeOptions, logger *zap.SugaredLogger) *Chrome {
	return &Chrome{opts: opts, logger: logger}
}

// NewSession implements Browser.
func (c *Chrome) NewSession(ctx context.Context) (Session, error) {
	profile, err := os.MkdirTemp("", "mailtriage-unsubscribe-*")
	if err != nil {
		return nil, fmt.Errorf("creating browser profile: %w", err)
	}

	allocOpts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", c.opts.Headless),
		chromedp.UserDataDir(profile),
		chromedp.NoSandbox,
		chromedp.DisableGPU,
	)
	if c.opts.ExecPath != "" {
		allocOpts = append(allocOpts, chromedp.ExecPath(c.opts.ExecPath))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), allocOpts...)
	tabCtx, tabCancel := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(c.logger.Debugf),
		chromedp.WithErrorf(c.logger.Debugf),
	)

	s := &chromeSession{
		tabCtx:      tabCtx,
		tabCancel:   tabCancel,
		allocCancel: allocCancel,
		profile:     profile,
	}

	// The first Run launches the browser; it must run on the tab context
	// itself so the browser outlives this call.
	stop := context.AfterFunc(ctx, tabCancel)
	err = chromedp.Run(tabCtx)
	stop()
	if err != nil {
		_ = s.Close()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("launching chrome: %w", err)
	}
	return s, nil
}

type chromeSession struct {
	tabCtx      context.Context
	tabCancel   context.CancelFunc
	allocCancel context.CancelFunc
	profile     string

	closeOnce sync.Once
	closeErr  error
}

// run executes actions on the tab, bounded by ctx's deadline and
// cancellation.
func (s *chromeSession) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithCancel(s.tabCtx)
	defer cancel()
	if dl, ok := ctx.Deadline(); ok {
		var cancelDL context.CancelFunc
		runCtx, cancelDL = context.WithDeadline(runCtx, dl)
		defer cancelDL()
	}
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	return chromedp.Run(runCtx, actions...)
}

func (s *chromeSession) Navigate(ctx context.Context, url string) error {
	return s.run(ctx, chromedp.Navigate(url))
}

func (s *chromeSession) VisibleText(ctx context.Context) (string, error) {
	var text string
	err := s.run(ctx, chromedp.Evaluate(`document.body ? document.body.innerText : ""`, &text))
	return text, err
}

func (s *chromeSession) Click(ctx context.Context, selector string) error {
	return s.run(ctx, chromedp.Click(selector, chromedp.ByQuery, chromedp.NodeVisible))
}

const clickTextScript = `(function(text) {
	const els = Array.from(document.querySelectorAll('button, a, input[type="submit"]'));
	const el = els.find(e => (e.textContent || '').includes(text) || (e.value || '').includes(text));
	if (!el) return false;
	el.click();
	return true;
})(%s)`

func (s *chromeSession) ClickText(ctx context.Context, text string) error {
	arg, err := json.Marshal(text)
	if err != nil {
		return err
	}
	var clicked bool
	if err := s.run(ctx, chromedp.Evaluate(fmt.Sprintf(clickTextScript, arg), &clicked)); err != nil {
		return err
	}
	if !clicked {
		return fmt.Errorf("no clickable element contains %q", text)
	}
	return nil
}

func (s *chromeSession) Fill(ctx context.Context, selector, value string) error {
	return s.run(ctx, chromedp.SendKeys(selector, value, chromedp.ByQuery))
}

const dispatchChangeScript = `(function(sel) {
	const el = document.querySelector(sel);
	if (!el) return false;
	el.dispatchEvent(new Event('change', {bubbles: true}));
	return true;
})(%s)`

func (s *chromeSession) Select(ctx context.Context, selector, value string) error {
	arg, err := json.Marshal(selector)
	if err != nil {
		return err
	}
	var ok bool
	return s.run(ctx,
		chromedp.SetValue(selector, value, chromedp.ByQuery),
		chromedp.Evaluate(fmt.Sprintf(dispatchChangeScript, arg), &ok),
	)
}

// Close shuts the browser down and removes its profile. It is safe to call
// more than once.
func (s *chromeSession) Close() error {
	s.closeOnce.Do(func() {
		s.tabCancel()
		s.allocCancel()
		if err := os.RemoveAll(s.profile); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.closeErr = fmt.Errorf("removing browser profile: %w", err)
		}
	})
	return s.closeErr
}
