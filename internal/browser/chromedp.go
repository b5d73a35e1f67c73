package browser

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
)

const hideWebdriverScript = `Object.defineProperty(navigator, 'webdriver', {get: () => undefined});`

// chromeTab drives a single Chrome tab through chromedp.
type chromeTab struct {
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
}

func allocatorOptions(cfg Config) []chromedp.ExecAllocatorOption {
	width, height := cfg.WindowWidth, cfg.WindowHeight
	if width <= 0 || height <= 0 {
		width, height = 1920, 1080
	}
	opts := chromedp.DefaultExecAllocatorOptions[:]
	opts = append(opts,
		chromedp.Flag("headless", cfg.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("blink-settings", "imagesEnabled=false"),
		chromedp.Flag("no-sandbox", cfg.NoSandbox),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("enable-automation", false),
		chromedp.WindowSize(width, height),
	)
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	return opts
}

// launchChrome starts a browser process detached from ctx; ctx only bounds the warmup.
func launchChrome(ctx context.Context, cfg Config) (tab, error) {
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), allocatorOptions(cfg)...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	t := &chromeTab{
		allocCancel:   allocCancel,
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
	}

	stopForward := forwardCancel(ctx, t.cancel)
	err := chromedp.Run(browserCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		_, err := page.AddScriptToEvaluateOnNewDocument(hideWebdriverScript).Do(ctx)
		return err
	}))
	stopForward()
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	if err != nil {
		t.cancel()
		return nil, fmt.Errorf("chromedp warmup: %w", err)
	}
	return t, nil
}

func (t *chromeTab) cancel() {
	t.browserCancel()
	t.allocCancel()
}

// run executes actions bound to ctx's deadline and cancellation without
// tying the tab's own lifetime to ctx.
func (t *chromeTab) run(ctx context.Context, actions ...chromedp.Action) error {
	opCtx, cancel := context.WithCancel(t.browserCtx)
	if deadline, ok := ctx.Deadline(); ok {
		cancel()
		opCtx, cancel = context.WithDeadline(t.browserCtx, deadline)
	}
	defer cancel()
	stopForward := forwardCancel(ctx, cancel)
	defer stopForward()

	if err := chromedp.Run(opCtx, actions...); err != nil {
		return fmt.Errorf("chromedp run: %w", err)
	}
	return nil
}

func (t *chromeTab) navigate(ctx context.Context, url string) error {
	return t.run(ctx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
}

func (t *chromeTab) attribute(ctx context.Context, selector, name string) (string, error) {
	var value string
	script := fmt.Sprintf(`(() => { const el = document.querySelector(%s); return el ? (el.getAttribute(%s) || "") : ""; })()`,
		quoteJS(selector), quoteJS(name))
	if err := t.run(ctx, chromedp.Evaluate(script, &value)); err != nil {
		return "", err
	}
	return value, nil
}

func (t *chromeTab) click(ctx context.Context, selector string) error {
	return t.clickNth(ctx, selector, 0)
}

func (t *chromeTab) clickNth(ctx context.Context, selector string, index int) error {
	var clicked bool
	script := fmt.Sprintf(`(() => {
		const els = document.querySelectorAll(%s);
		if (els.length <= %d) return false;
		els[%d].scrollIntoView({block: "center"});
		els[%d].click();
		return true;
	})()`, quoteJS(selector), index, index, index)
	if err := t.run(ctx, chromedp.Evaluate(script, &clicked)); err != nil {
		return err
	}
	if !clicked {
		return fmt.Errorf("element %s[%d] not found", selector, index)
	}
	return nil
}

func (t *chromeTab) count(ctx context.Context, selector string) (int, error) {
	var n int
	script := fmt.Sprintf(`document.querySelectorAll(%s).length`, quoteJS(selector))
	if err := t.run(ctx, chromedp.Evaluate(script, &n)); err != nil {
		return 0, err
	}
	return n, nil
}

func (t *chromeTab) html(ctx context.Context) (string, error) {
	var html string
	if err := t.run(ctx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", err
	}
	return html, nil
}

func (t *chromeTab) close() error {
	err := chromedp.Cancel(t.browserCtx)
	t.cancel()
	if err != nil {
		return fmt.Errorf("close browser: %w", err)
	}
	return nil
}

func quoteJS(s string) string {
	b, err := json.Marshal(s)
	if err != nil {
		return `""`
	}
	return string(b)
}

func forwardCancel(parent context.Context, cancel context.CancelFunc) func() {
	if parent == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-parent.Done():
			cancel()
		case <-done:
		}
	}()
	return func() { close(done) }
}
