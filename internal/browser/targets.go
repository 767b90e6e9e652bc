package browser

import "claim_engine/internal/locator"

// Logical UI targets of the dashboard. Generated class names change between
// deployments, so every target leads with a name-independent strategy and
// keeps class-based or positional matches as fallbacks only.

var loginEmailTarget = locator.Target{
	Name: "login email input",
	Strategies: []locator.Strategy{
		{Kind: locator.BySelector, Selector: "input[type='email'], input[name='email'], input[autocomplete='email']"},
	},
}

var loginPasswordTarget = locator.Target{
	Name: "login password input",
	Strategies: []locator.Strategy{
		{Kind: locator.BySelector, Selector: "input[type='password']"},
	},
}

var loginSubmitTarget = locator.Target{
	Name: "login submit button",
	Strategies: []locator.Strategy{
		{Kind: locator.BySelector, Selector: "button[type='submit']"},
	},
}

// The filter toggle is a funnel icon button. Class matching is useless here:
// the generated class is shared across many unrelated toolbar buttons, so the
// icon path geometry is the fingerprint.
var filterToggleTarget = locator.Target{
	Name: "filter toggle button",
	Strategies: []locator.Strategy{
		{Kind: locator.ByIcon, Paths: []string{"M13.994", "M14 2H2", "M3 4a1", "M1 3h14"}},
	},
}

// The toolbar has two visually identical buttons (search and refresh); the
// circular-arrow path prefix tells them apart.
var refreshControlTarget = locator.Target{
	Name: "refresh control",
	Strategies: []locator.Strategy{
		{Kind: locator.ByXPath, XPath: "//button[contains(@class,'eihCyf') and .//*[local-name()='path' and contains(@d,'M12.794')]]"},
		{Kind: locator.ByIcon, Paths: []string{"M12.794"}},
	},
}

// The amount filter row shares its class with every other filter row (Date,
// Status, ...); match by label text first, then by the usual position of the
// Amount row among its siblings.
var amountRowTarget = locator.Target{
	Name: "amount filter row",
	Strategies: []locator.Strategy{
		{Kind: locator.ByXPath, XPath: "//div[contains(@class,'ljCEoY') and .//span[normalize-space(.)='Amount']]"},
		{Kind: locator.ByXPath, XPath: "//div[contains(@class,'ljCEoY') and .//span[normalize-space(.)='Сумма']]"},
		{Kind: locator.ByXPath, XPath: "//div[contains(@class,'ljCEoY') and .//span[normalize-space(.)='Sum']]"},
		{Kind: locator.ByIndex, Selector: "div.ljCEoY", Index: 3},
	},
}

// Not type=submit, just a plain button labelled per locale.
var filterSubmitTarget = locator.Target{
	Name: "filter submit button",
	Strategies: []locator.Strategy{
		{Kind: locator.ByText, Texts: []string{"Готово", "Done", "Apply", "OK"}},
	},
}

var tableBodyTarget = locator.Target{
	Name: "order table body",
	Strategies: []locator.Strategy{
		{Kind: locator.BySelector, Selector: "div[role='rowgroup']"},
	},
}

var claimButtonTarget = locator.Target{
	Name: "claim button",
	Strategies: []locator.Strategy{
		{Kind: locator.ByText, Texts: []string{"Взять", "Take", "Принять", "Accept", "Взять ордер"}},
	},
}

const (
	orderRowsSelector = "div[role='row'].tr"
	rowAnchorSelector = "a[href*='/trader/orders/']"
)
