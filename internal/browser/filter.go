package browser

import (
	"context"
	"time"

	"github.com/go-rod/rod"
	"github.com/shopspring/decimal"

	"claim_engine/internal/locator"
	"claim_engine/internal/model"
)

// ApplyFilter pushes the amount range into the dashboard's own filter widget
// so the server trims the listing at the source. This is purely a load
// optimization: every step is best-effort and any failure only logs, because
// the worker's local guard is the correctness backstop and these selectors
// are the least stable part of the remote UI.
func (s *Session) ApplyFilter(ctx context.Context, f model.AmountFilter) {
	if f.Empty() {
		s.bus.Log("info", "no amount filter configured, skipping", nil)
		return
	}
	s.bus.Log("info", "applying amount filter", map[string]any{
		"min": decimalField(f.Min),
		"max": decimalField(f.Max),
	})

	page := s.page.Context(ctx).Timeout(s.cfg.ElementWait())

	toggle, err := locator.Resolve(page, filterToggleTarget)
	if err != nil {
		s.bus.Log("warn", "filter toggle not found, polling unfiltered", nil)
		return
	}
	if err := jsClick(toggle); err != nil {
		s.bus.Log("warn", "filter toggle click failed", map[string]any{"error": err.Error()})
		return
	}
	settle(ctx, 1200*time.Millisecond)

	row, err := locator.Resolve(page, amountRowTarget)
	if err != nil {
		s.bus.Log("warn", "amount filter row not found, polling unfiltered", nil)
		return
	}

	checkbox, err := row.Sleeper(rod.NotFoundSleeper).Element("input[type='checkbox']")
	if err != nil {
		s.bus.Log("warn", "no checkbox inside amount filter row", nil)
		return
	}
	if !isChecked(checkbox) {
		if err := jsClick(checkbox); err != nil {
			s.bus.Log("warn", "amount checkbox click failed", map[string]any{"error": err.Error()})
			return
		}
		settle(ctx, 800*time.Millisecond)
	}

	// The range controls render as siblings of the row inside its parent
	// block; scoping to the parent keeps the Date/Status inputs out.
	parent, err := row.Parent()
	if err != nil {
		s.bus.Log("warn", "amount filter block not reachable", nil)
		return
	}

	s.selectBetweenMode(ctx, parent)
	settle(ctx, 300*time.Millisecond)
	s.fillBounds(f, parent)

	submit, err := locator.Resolve(page, filterSubmitTarget)
	if err != nil {
		s.bus.Log("warn", "filter submit button not found", nil)
		return
	}
	if err := jsClick(submit); err != nil {
		s.bus.Log("warn", "filter submit click failed", map[string]any{"error": err.Error()})
		return
	}
	settle(ctx, 500*time.Millisecond)
	s.waitTable(ctx)
	s.bus.Log("info", "amount filter applied", nil)
}

// selectBetweenMode switches the amount condition to "is_between". The widget
// is a controlled component, so the value goes through the native setter and
// a bubbled change event; assigning .value directly would be ignored.
func (s *Session) selectBetweenMode(ctx context.Context, parent *rod.Element) {
	sel := waitVisible(ctx, parent, "select", s.cfg.ElementWait())
	if sel == nil {
		s.bus.Log("warn", "amount mode select not found", nil)
		return
	}
	current, err := sel.Property("value")
	if err == nil && current.Str() == "is_between" {
		return
	}
	_, err = sel.Eval(`function (mode) {
		const setter = Object.getOwnPropertyDescriptor(window.HTMLSelectElement.prototype, 'value').set
		setter.call(this, mode)
		this.dispatchEvent(new Event('change', {bubbles: true}))
	}`, "is_between")
	if err != nil {
		s.bus.Log("warn", "could not set amount mode", map[string]any{"error": err.Error()})
	}
}

func (s *Session) fillBounds(f model.AmountFilter, parent *rod.Element) {
	inputs, err := parent.Sleeper(rod.NotFoundSleeper).Elements("input:not([type='checkbox'])")
	if err != nil {
		s.bus.Log("warn", "no amount inputs in filter block", nil)
		return
	}
	var visible []*rod.Element
	for _, in := range inputs {
		if v, err := in.Visible(); err == nil && v {
			visible = append(visible, in)
		}
	}

	switch {
	case len(visible) >= 2:
		if f.Min != nil {
			s.setInput(visible[0], f.Min.String())
		}
		if f.Max != nil {
			s.setInput(visible[1], f.Max.String())
		}
	case len(visible) == 1:
		// Single-input mode: use whichever bound is configured.
		bound := f.Min
		if bound == nil {
			bound = f.Max
		}
		if bound != nil {
			s.setInput(visible[0], bound.String())
		}
	default:
		s.bus.Log("warn", "no visible amount inputs after enabling filter", nil)
	}
}

func (s *Session) setInput(el *rod.Element, value string) {
	_, err := el.Eval(`function (val) {
		const setter = Object.getOwnPropertyDescriptor(window.HTMLInputElement.prototype, 'value').set
		setter.call(this, val)
		this.dispatchEvent(new Event('input', {bubbles: true}))
		this.dispatchEvent(new Event('change', {bubbles: true}))
	}`, value)
	if err != nil {
		s.bus.Log("warn", "could not fill amount input", map[string]any{"error": err.Error()})
	}
}

// waitVisible polls for the first visible <tag> under parent; the range
// controls appear only after the checkbox click finishes its slide-down.
func waitVisible(ctx context.Context, parent *rod.Element, tag string, timeout time.Duration) *rod.Element {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if ctx.Err() != nil {
			return nil
		}
		els, err := parent.Sleeper(rod.NotFoundSleeper).Elements(tag)
		if err == nil {
			for _, el := range els {
				if v, err := el.Visible(); err == nil && v {
					return el
				}
			}
		}
		settle(ctx, 150*time.Millisecond)
	}
	return nil
}

func isChecked(el *rod.Element) bool {
	v, err := el.Property("checked")
	if err != nil {
		return false
	}
	return v.Bool()
}

func decimalField(d *decimal.Decimal) string {
	if d == nil {
		return "-"
	}
	return d.String()
}
