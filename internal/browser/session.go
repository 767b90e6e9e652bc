// Package browser owns the automation driver: one rod-controlled browser
// holding one authenticated dashboard session. All methods are called from
// the worker goroutine only; the driver handle is never shared.
package browser

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"github.com/shopspring/decimal"

	"claim_engine/internal/amount"
	"claim_engine/internal/config"
	"claim_engine/internal/locator"
	"claim_engine/internal/logbus"
	"claim_engine/internal/model"
)

var (
	// ErrInvalidCredentials is returned when the login form is still showing
	// after the credentials were submitted. The dashboard gives no structured
	// error, so this is as specific as it gets.
	ErrInvalidCredentials = errors.New("browser: still on login page after authentication attempt")

	// ErrNotClaimable means the claim action is absent from the order detail
	// view, which in practice means another actor already claimed the order.
	ErrNotClaimable = errors.New("browser: claim action unavailable")

	// ErrConfirmTimeout means the claim was invoked but the confirmation
	// prompt never appeared; the outcome is ambiguous and must be treated as
	// a failure, never as a success.
	ErrConfirmTimeout = errors.New("browser: confirmation prompt did not appear")

	// ErrRowVanished means the order row disappeared between the scan and the
	// claim attempt.
	ErrRowVanished = errors.New("browser: order row no longer present")
)

var slugPattern = regexp.MustCompile(`/trader/orders/(trade-[^/?]+)`)

type Session struct {
	dash config.DashboardConfig
	cfg  config.BrowserConfig
	bus  *logbus.Bus

	launcher *launcher.Launcher
	browser  *rod.Browser
	page     *rod.Page

	creds     model.Credentials
	state     model.SessionState
	ordersURL string
}

func NewSession(dash config.DashboardConfig, cfg config.BrowserConfig, bus *logbus.Bus) *Session {
	return &Session{
		dash:  dash,
		cfg:   cfg,
		bus:   bus,
		state: model.SessionUnauthenticated,
	}
}

func (s *Session) State() model.SessionState { return s.state }

// Probe checks the dashboard is reachable before paying the cost of a
// browser launch, so "site down" surfaces as a clean startup error.
func (s *Session) Probe(ctx context.Context) error {
	client := resty.New().
		SetTimeout(10 * time.Second).
		SetRetryCount(s.cfg.ProbeRetries)
	resp, err := client.R().SetContext(ctx).Get(s.dash.BaseURL)
	if err != nil {
		return fmt.Errorf("dashboard unreachable: %w", err)
	}
	if resp.StatusCode() >= 500 {
		return fmt.Errorf("dashboard unhealthy: status %d", resp.StatusCode())
	}
	return nil
}

// Start launches the browser and opens the automation page. Errors here are
// the only fatal ones in the engine; everything after startup degrades.
func (s *Session) Start(ctx context.Context) error {
	if err := s.Probe(ctx); err != nil {
		return err
	}

	l := launcher.New().Headless(s.cfg.Headless)
	u, err := l.Launch()
	if err != nil {
		l.Kill()
		return fmt.Errorf("launch browser: %w", err)
	}

	b := rod.New().ControlURL(u).Context(ctx)
	if err := b.Connect(); err != nil {
		l.Kill()
		return fmt.Errorf("connect browser: %w", err)
	}

	page, err := stealth.Page(b)
	if err != nil {
		_ = b.Close()
		l.Kill()
		return fmt.Errorf("open page: %w", err)
	}

	s.launcher = l
	s.browser = b
	s.page = page
	s.state = model.SessionUnauthenticated
	s.ordersURL = s.buildOrdersURL()
	return nil
}

func (s *Session) Close() {
	if s.page != nil {
		_ = rod.Try(func() { s.page.MustClose() })
		s.page = nil
	}
	if s.browser != nil {
		_ = s.browser.Close()
		s.browser = nil
	}
	if s.launcher != nil {
		s.launcher.Kill()
		s.launcher = nil
	}
	s.state = model.SessionUnauthenticated
}

// buildOrdersURL limits the listing to new orders since the start of the
// current month, in the dashboard's fixed UTC offset.
func (s *Session) buildOrdersURL() string {
	tz := time.FixedZone("dashboard", s.dash.TZOffsetHours*3600)
	now := time.Now().In(tz)
	from := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, tz)

	q := url.Values{}
	q.Set("from", from.Format("2006-01-02T15:04:05-07:00"))
	q.Set("status", "new")
	if s.dash.TenantToken != "" {
		q.Set("t", s.dash.TenantToken)
	}
	return strings.TrimRight(s.dash.BaseURL, "/") + s.dash.OrdersPath + "?" + q.Encode()
}

// Establish navigates to the orders listing, authenticating along the way if
// the dashboard redirects to the login form.
func (s *Session) Establish(ctx context.Context, creds model.Credentials) error {
	s.creds = creds

	if err := s.navigate(ctx, s.ordersURL); err != nil {
		return err
	}
	// Give the client-side router a moment to evaluate auth state.
	settle(ctx, 800*time.Millisecond)

	if s.IsExpired() {
		s.bus.Log("info", "redirected to login, authenticating", nil)
		if err := s.fillLogin(ctx); err != nil {
			s.state = model.SessionUnauthenticated
			return err
		}
		// Navigate explicitly instead of trusting the site's ?redirect=
		// param, which tends to arrive double-encoded.
		if err := s.navigate(ctx, s.ordersURL); err != nil {
			return err
		}
		settle(ctx, 800*time.Millisecond)
	}

	if s.IsExpired() {
		s.state = model.SessionUnauthenticated
		return ErrInvalidCredentials
	}

	s.waitTable(ctx)
	s.state = model.SessionAuthenticated
	s.bus.Log("info", "orders page loaded", map[string]any{"url": s.currentURL()})
	return nil
}

// Reestablish re-runs the login flow with the cached credentials. On failure
// the session stays Expired and the next poll cycle retries.
func (s *Session) Reestablish(ctx context.Context) error {
	s.bus.Log("warn", "session expired, re-authenticating", nil)
	if err := s.Establish(ctx, s.creds); err != nil {
		s.state = model.SessionExpired
		return err
	}
	return nil
}

// IsExpired is the cheap expiry check: the dashboard invalidates sessions
// server-side and signals it only by redirecting to the login surface.
func (s *Session) IsExpired() bool {
	u := s.currentURL()
	if u == "" {
		return false
	}
	expired := strings.Contains(u, s.dash.LoginPath)
	if expired && s.state == model.SessionAuthenticated {
		s.state = model.SessionExpired
	}
	return expired
}

func (s *Session) currentURL() string {
	var u string
	err := rod.Try(func() {
		info, err := s.page.Info()
		if err == nil && info != nil {
			u = info.URL
		}
	})
	if err != nil {
		return ""
	}
	return u
}

func (s *Session) fillLogin(ctx context.Context) error {
	// Let the form attach its event handlers before typing into it.
	settle(ctx, 800*time.Millisecond)

	page := s.page.Context(ctx).Timeout(s.cfg.ElementWait())
	email, err := locator.Resolve(page, loginEmailTarget)
	if err != nil {
		return err
	}
	if err := typeInto(email, s.creds.Login); err != nil {
		return fmt.Errorf("enter login: %w", err)
	}

	password, err := locator.Resolve(page, loginPasswordTarget)
	if err != nil {
		return err
	}
	if err := typeInto(password, s.creds.Password); err != nil {
		return fmt.Errorf("enter password: %w", err)
	}

	submit, err := locator.Resolve(page, loginSubmitTarget)
	if err != nil {
		return err
	}
	if err := jsClick(submit); err != nil {
		return fmt.Errorf("submit login: %w", err)
	}

	// Wait, bounded by the page-load timeout, for navigation away from the
	// login form.
	deadline := time.Now().Add(s.cfg.PageLoadTimeout())
	for time.Now().Before(deadline) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !s.IsExpired() {
			// Let the auth context finish initialising.
			settle(ctx, 1500*time.Millisecond)
			return nil
		}
		settle(ctx, 200*time.Millisecond)
	}
	return ErrInvalidCredentials
}

// Refresh reloads the order listing, preferring the in-page refresh control
// over a full navigation.
func (s *Session) Refresh(ctx context.Context) error {
	btn, err := locator.Resolve(s.page.Context(ctx).Timeout(5*time.Second), refreshControlTarget)
	if err == nil {
		if err := jsClick(btn); err == nil {
			return nil
		}
	}
	// Fall back to reloading the listing URL.
	if err := s.navigate(ctx, s.ordersURL); err != nil {
		return err
	}
	return nil
}

// Candidates extracts the live order rows currently rendered in the listing.
// Rows without a parseable slug are dropped here; rows without a readable
// amount keep a nil amount for the worker's filter guard to reject.
func (s *Session) Candidates(ctx context.Context) ([]model.OrderCandidate, error) {
	s.waitTable(ctx)

	var out []model.OrderCandidate
	err := rod.Try(func() {
		rows, err := s.page.Context(ctx).Sleeper(rod.NotFoundSleeper).Elements(orderRowsSelector)
		if err != nil {
			return
		}
		for _, row := range rows {
			if !isLiveRow(row) {
				continue
			}
			slug := extractSlug(row)
			if slug == "" {
				continue
			}
			out = append(out, model.OrderCandidate{
				Slug:   slug,
				Amount: extractAmount(row),
			})
		}
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// isLiveRow filters out virtualised placeholder rows; the dashboard keeps
// stale rows in the DOM without absolute positioning.
func isLiveRow(row *rod.Element) bool {
	style, err := row.Attribute("style")
	if err != nil || style == nil {
		return false
	}
	return strings.Contains(*style, "position: absolute")
}

func extractSlug(row *rod.Element) string {
	anchor, err := row.Sleeper(rod.NotFoundSleeper).Element(rowAnchorSelector)
	if err != nil {
		return ""
	}
	href, err := anchor.Attribute("href")
	if err != nil || href == nil {
		return ""
	}
	m := slugPattern.FindStringSubmatch(*href)
	if m == nil {
		return ""
	}
	return m[1]
}

// extractAmount reads the amount from whichever cell carries a currency
// title. The first pass looks for the currency marker; the second takes any
// titled cell that parses, since the column order is not stable either.
func extractAmount(row *rod.Element) *decimal.Decimal {
	cells, err := row.Sleeper(rod.NotFoundSleeper).Elements("div[role='cell']")
	if err == nil {
		for _, cell := range cells {
			title, err := cell.Attribute("title")
			if err != nil || title == nil {
				continue
			}
			if strings.Contains(*title, "RUB") {
				return amount.Parse(*title)
			}
		}
	}
	titled, err := row.Sleeper(rod.NotFoundSleeper).Elements("div[title]")
	if err != nil {
		return nil
	}
	for _, div := range titled {
		title, err := div.Attribute("title")
		if err != nil || title == nil || strings.TrimSpace(*title) == "" {
			continue
		}
		if v := amount.Parse(*title); v != nil {
			return v
		}
	}
	return nil
}

// Claim runs the claim sequence for one order: open the detail modal, locate
// the claim action, invoke it and accept the confirmation prompt. The page
// stays on the listing throughout (the modal opens without navigation).
func (s *Session) Claim(ctx context.Context, slug string) error {
	anchor, err := s.page.Context(ctx).Sleeper(rod.NotFoundSleeper).
		ElementX(fmt.Sprintf("//a[contains(@href,'%s')]", slug))
	if err != nil {
		return ErrRowVanished
	}
	if err := jsClick(anchor); err != nil {
		return fmt.Errorf("open order detail: %w", err)
	}
	// Modal open animation.
	settle(ctx, 1*time.Second)

	btn, err := locator.Resolve(s.page.Context(ctx).Timeout(s.cfg.ElementWait()), claimButtonTarget)
	if err != nil {
		if locator.IsNotFound(err) {
			s.closeModal()
			return ErrNotClaimable
		}
		return err
	}

	dctx, cancel := context.WithTimeout(ctx, s.cfg.ConfirmWait())
	defer cancel()
	wait, handle := s.page.Context(dctx).HandleDialog()

	if err := jsClick(btn); err != nil {
		return fmt.Errorf("invoke claim: %w", err)
	}

	var opened *proto.PageJavascriptDialogOpening
	if err := rod.Try(func() { opened = wait() }); err != nil || opened == nil {
		s.closeModal()
		return ErrConfirmTimeout
	}
	if err := handle(&proto.PageHandleJavaScriptDialog{Accept: true}); err != nil {
		return fmt.Errorf("accept confirmation: %w", err)
	}

	// The modal closes itself after a confirmed claim.
	settle(ctx, 500*time.Millisecond)
	return nil
}

func (s *Session) closeModal() {
	_ = rod.Try(func() {
		_ = s.page.Keyboard.Press(input.Escape)
	})
	settle(context.Background(), 300*time.Millisecond)
}

func (s *Session) navigate(ctx context.Context, target string) error {
	page := s.page.Context(ctx).Timeout(s.cfg.PageLoadTimeout())
	waitDom := page.WaitNavigation(proto.PageLifecycleEventNameDOMContentLoaded)
	if err := page.Navigate(target); err != nil {
		return fmt.Errorf("navigate %s: %w", redactURL(target), err)
	}
	waitDom()
	return nil
}

// waitTable waits for the order table to finish rendering, bailing out early
// if the dashboard redirected to login mid-wait.
func (s *Session) waitTable(ctx context.Context) {
	deadline := time.Now().Add(s.cfg.PageLoadTimeout())
	for time.Now().Before(deadline) {
		if ctx.Err() != nil {
			return
		}
		if s.IsExpired() {
			s.bus.Log("warn", "redirected to login while waiting for table", nil)
			return
		}
		rendered := false
		_ = rod.Try(func() {
			body, err := locator.Resolve(s.page.Context(ctx).Timeout(300*time.Millisecond), tableBodyTarget)
			if err != nil {
				return
			}
			html, err := body.HTML()
			if err != nil {
				return
			}
			rendered = len(html) > 50 && !strings.Contains(html, "Loading")
		})
		if rendered {
			settle(ctx, 200*time.Millisecond)
			return
		}
		settle(ctx, 250*time.Millisecond)
	}
	s.bus.Log("warn", "table did not finish rendering", nil)
}

func settle(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

// redactURL strips query params before logging: the tenant token is not a
// secret per se, but URLs end up in operator-visible logs.
func redactURL(u string) string {
	if i := strings.IndexByte(u, '?'); i >= 0 {
		return u[:i]
	}
	return u
}

func jsClick(el *rod.Element) error {
	_, err := el.Eval(`function () {
		try { this.scrollIntoView({block: 'center', inline: 'center'}) } catch (e) {}
		this.click()
	}`)
	return err
}

func typeInto(el *rod.Element, text string) error {
	if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return err
	}
	if err := el.SelectAllText(); err != nil {
		return err
	}
	return el.Input(text)
}
