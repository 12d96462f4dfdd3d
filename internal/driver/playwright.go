package driver

import (
	"encoding/base64"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"
)

// DefaultMaxLength caps extracted/snapshotted content when a step does
// not specify its own limit.
const DefaultMaxLength = 20000

// Playwright attaches to pooled browser processes over their CDP
// endpoints. One shared Playwright runtime serves all sessions.
type Playwright struct {
	pw *playwright.Playwright
}

// NewPlaywright installs (if needed) and starts the Playwright runtime.
func NewPlaywright() (*Playwright, error) {
	opts := &playwright.RunOptions{
		Verbose: false,
		Stdout:  io.Discard,
		Stderr:  io.Discard,
	}

	if err := playwright.Install(opts); err != nil {
		return nil, fmt.Errorf("failed to install playwright: %w", err)
	}

	pw, err := playwright.Run(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to start playwright: %w", err)
	}

	return &Playwright{pw: pw}, nil
}

// Open connects to the browser process and creates an isolated
// context with one page. Closing the returned session only detaches
// from the remote browser; the process stays up for other contexts.
func (d *Playwright) Open(connectURL string) (Session, error) {
	browser, err := d.pw.Chromium.ConnectOverCDP(connectURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to browser: %w", err)
	}

	context, err := browser.NewContext(playwright.BrowserNewContextOptions{
		Viewport: &playwright.Size{
			Width:  1280,
			Height: 800,
		},
	})
	if err != nil {
		browser.Close()
		return nil, fmt.Errorf("failed to create browsing context: %w", err)
	}

	page, err := context.NewPage()
	if err != nil {
		context.Close()
		browser.Close()
		return nil, fmt.Errorf("failed to create page: %w", err)
	}

	return &pwSession{
		browser: browser,
		context: context,
		page:    page,
	}, nil
}

// Close stops the Playwright runtime.
func (d *Playwright) Close() error {
	if err := d.pw.Stop(); err != nil {
		return fmt.Errorf("failed to stop playwright: %w", err)
	}
	return nil
}

type pwSession struct {
	browser playwright.Browser
	context playwright.BrowserContext
	page    playwright.Page

	mu    sync.Mutex
	debug []string
}

func (s *pwSession) trace(format string, args ...interface{}) {
	s.mu.Lock()
	s.debug = append(s.debug, fmt.Sprintf(format, args...))
	s.mu.Unlock()
}

// Debug returns and clears the accumulated trail.
func (s *pwSession) Debug() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.debug
	s.debug = nil
	return out
}

func (s *pwSession) Navigate(url, waitUntil string, timeout time.Duration) (string, error) {
	opts := playwright.PageGotoOptions{
		Timeout: pwTimeout(timeout),
	}
	if waitUntil != "" {
		state := playwright.WaitUntilState(waitUntil)
		opts.WaitUntil = &state
	}

	s.trace("navigating to %s", url)
	if _, err := s.page.Goto(url, opts); err != nil {
		return "", fmt.Errorf("navigation failed: %w", err)
	}
	s.trace("page loaded")

	return s.page.URL(), nil
}

// Fill tries each candidate selector in order and fills the first one
// that accepts the value.
func (s *pwSession) Fill(selectors []string, value string, timeout time.Duration) (string, error) {
	perTry := perCandidate(timeout, len(selectors))

	for _, sel := range selectors {
		err := s.page.Fill(sel, value, playwright.PageFillOptions{
			Timeout: pwTimeout(perTry),
		})
		if err == nil {
			s.trace("filled using selector: %s", sel)
			return sel, nil
		}
		s.trace("error filling %s: %v", sel, err)
	}

	return "", fmt.Errorf("no fillable element matched %d candidate selectors", len(selectors))
}

// Click tries each candidate selector in order, scrolling the first
// match into view before clicking.
func (s *pwSession) Click(selectors []string, timeout time.Duration) (string, error) {
	perTry := perCandidate(timeout, len(selectors))

	for _, sel := range selectors {
		el, err := s.page.QuerySelector(sel)
		if err != nil || el == nil {
			s.trace("no element for %s", sel)
			continue
		}
		if err := el.ScrollIntoViewIfNeeded(); err != nil {
			s.trace("scroll failed for %s: %v", sel, err)
		}
		err = el.Click(playwright.ElementHandleClickOptions{
			Timeout: pwTimeout(perTry),
		})
		if err == nil {
			s.trace("clicked button using selector: %s", sel)
			return sel, nil
		}
		s.trace("error clicking %s: %v", sel, err)
	}

	return "", fmt.Errorf("no clickable element matched %d candidate selectors", len(selectors))
}

// Evaluate runs a script in the page. playwright exposes no timeout
// option for Evaluate, so the budget is enforced with a timer; an
// overrunning script is abandoned to the context teardown.
func (s *pwSession) Evaluate(script string, timeout time.Duration) (string, error) {
	type outcome struct {
		result interface{}
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := s.page.Evaluate(script)
		done <- outcome{result, err}
	}()

	var expire <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expire = timer.C
	}

	select {
	case o := <-done:
		if o.err != nil {
			return "", fmt.Errorf("evaluate failed: %w", o.err)
		}
		if o.result == nil {
			return "", nil
		}
		return fmt.Sprint(o.result), nil
	case <-expire:
		return "", fmt.Errorf("evaluate timed out after %s", timeout)
	}
}

func (s *pwSession) WaitFor(selector, state string, timeout time.Duration) (string, error) {
	opts := playwright.PageWaitForSelectorOptions{
		Timeout: pwTimeout(timeout),
	}
	if state != "" {
		st := playwright.WaitForSelectorState(state)
		opts.State = &st
	}

	if _, err := s.page.WaitForSelector(selector, opts); err != nil {
		return "", fmt.Errorf("wait failed: %w", err)
	}
	return selector, nil
}

// Extract collects the text of every element matching the candidate
// selectors, deduplicated in document order, falling back to the body
// text when nothing matched.
func (s *pwSession) Extract(selectors []string, maxLength int, timeout time.Duration) (string, error) {
	if maxLength <= 0 {
		maxLength = DefaultMaxLength
	}

	var texts []string
	seen := make(map[string]bool)

	for _, sel := range selectors {
		nodes, err := s.page.QuerySelectorAll(sel)
		if err != nil {
			s.trace("query error for %s: %v", sel, err)
			continue
		}
		for _, n := range nodes {
			t, err := n.InnerText()
			if err != nil {
				s.trace("error reading inner text for %s: %v", sel, err)
				continue
			}
			t = strings.TrimSpace(t)
			if t != "" && !seen[t] {
				seen[t] = true
				texts = append(texts, t)
				s.trace("extracted using %s", sel)
			}
		}
	}

	if len(texts) == 0 {
		body, err := s.page.InnerText("body")
		if err != nil {
			return "", fmt.Errorf("body extraction failed: %w", err)
		}
		s.trace("extracted body fallback")
		texts = append(texts, body)
	}

	return truncate(strings.Join(texts, "\n\n---\n\n"), maxLength), nil
}

func (s *pwSession) Screenshot() (string, error) {
	data, err := s.page.Screenshot()
	if err != nil {
		return "", fmt.Errorf("screenshot failed: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

func (s *pwSession) Snapshot(maxLength int) (string, error) {
	if maxLength <= 0 {
		maxLength = DefaultMaxLength
	}
	content, err := s.page.Content()
	if err != nil {
		return "", fmt.Errorf("snapshot failed: %w", err)
	}
	return truncate(content, maxLength), nil
}

// Close destroys the browsing context and detaches from the remote
// browser. Errors from individual closes are ignored so cleanup always
// runs to completion.
func (s *pwSession) Close() error {
	_ = s.page.Close()
	_ = s.context.Close()
	return s.browser.Close()
}

func pwTimeout(d time.Duration) *float64 {
	if d <= 0 {
		return nil
	}
	ms := float64(d.Milliseconds())
	return &ms
}

// perCandidate splits a budget across fallback candidates so one slow
// selector cannot eat the whole step timeout.
func perCandidate(timeout time.Duration, n int) time.Duration {
	if timeout <= 0 || n <= 0 {
		return timeout
	}
	per := timeout / time.Duration(n)
	if per < 500*time.Millisecond {
		per = 500 * time.Millisecond
	}
	return per
}

func truncate(s string, maxLength int) string {
	if len(s) <= maxLength {
		return s
	}
	return s[:maxLength] + fmt.Sprintf("\n\n[content truncated: %d of %d characters shown]", maxLength, len(s))
}
