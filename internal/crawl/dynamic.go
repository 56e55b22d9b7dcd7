package crawl

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
)

// collectMediaJS gathers media sources after scripts ran. The browser
// resolves src to absolute URLs on its own.
const collectMediaJS = `() => {
	const out = [];
	const push = (src, type) => { if (src) out.push({src, type}); };
	document.querySelectorAll('img[src]').forEach(el => push(el.src, 'img'));
	document.querySelectorAll('video').forEach(el => {
		const s = el.querySelector('source[src]');
		push(el.src || (s && s.src) || '', 'video');
	});
	document.querySelectorAll('audio').forEach(el => {
		const s = el.querySelector('source[src]');
		push(el.src || (s && s.src) || '', 'audio');
	});
	return out;
}`

// browserHandle lazily launches one headless browser per run. Only the
// writeback goroutine calls this.
func (c *Crawler) browserHandle() (*rod.Browser, error) {
	if c.browser != nil {
		return c.browser, nil
	}
	controlURL, err := launcher.New().Headless(true).Launch()
	if err != nil {
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}
	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		return nil, fmt.Errorf("failed to connect to browser: %w", err)
	}
	c.browser = browser
	return browser, nil
}

// Close releases the headless browser if the run started one and the
// HTTP clients' idle connections.
func (c *Crawler) Close() {
	if c.browser != nil {
		c.browser.Close()
		c.browser = nil
	}
	if c.fetcher != nil {
		c.fetcher.CloseIdleConnections()
	}
	if c.gate != nil {
		c.gate.CloseIdleConnections()
	}
}

// dynamicMedia renders the page and returns the media sources present
// in the scripted DOM.
func (c *Crawler) dynamicMedia(ctx context.Context, pageURL string) ([][2]string, error) {
	browser, err := c.browserHandle()
	if err != nil {
		return nil, err
	}

	page, err := browser.Page(proto.TargetCreateTarget{URL: pageURL})
	if err != nil {
		return nil, fmt.Errorf("failed to open page: %w", err)
	}
	defer page.Close()

	page = page.Context(ctx).Timeout(c.cfg.GetRequestTimeout())
	if err := page.WaitLoad(); err != nil {
		return nil, fmt.Errorf("failed to load page: %w", err)
	}

	res, err := page.Evaluate(&rod.EvalOptions{JS: collectMediaJS, ByValue: true})
	if err != nil || res == nil {
		return nil, fmt.Errorf("media collection failed: %w", err)
	}

	raw, err := res.Value.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("failed to marshal media list: %w", err)
	}
	var items []struct {
		Src  string `json:"src"`
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("failed to decode media list: %w", err)
	}

	var refs [][2]string
	for _, item := range items {
		if item.Src == "" || strings.HasPrefix(item.Src, "data:") {
			continue
		}
		if !hasMediaExtension(item.Src, item.Type) {
			continue
		}
		refs = append(refs, [2]string{item.Src, item.Type})
	}
	return refs, nil
}
