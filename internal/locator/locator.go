// Package locator resolves logical UI targets ("claim button", "filter
// toggle") against dashboard markup whose generated class names churn between
// deployments. Each target carries an ordered list of strategies; resolution
// takes the first one that matches and degrades to the next on a miss instead
// of failing the whole poll cycle on a single brittle selector.
package locator

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-rod/rod"
)

type Kind int

const (
	// ByText matches an element by its visible text, in any of the languages
	// the dashboard ships.
	ByText Kind = iota
	// ByIcon matches a button by the "d" attribute prefix of the SVG path it
	// contains. Icon geometry survives redeployments; class names do not.
	ByIcon
	// BySelector is a plain CSS selector.
	BySelector
	// ByXPath is a raw XPath expression.
	ByXPath
	// ByIndex picks the Nth match of a CSS selector, falling back to the last
	// match when fewer are present.
	ByIndex
)

type Strategy struct {
	Kind     Kind
	Texts    []string // ByText
	Paths    []string // ByIcon
	Selector string   // BySelector, ByIndex
	XPath    string   // ByXPath
	Index    int      // ByIndex
	// Tag scopes ByText/ByIcon matches; defaults to "button".
	Tag string
}

type Target struct {
	Name       string
	Strategies []Strategy
}

// NotFoundError reports that no strategy of a target matched. Callers decide
// whether that is fatal (claim button gone means the order is no longer
// claimable) or recoverable (filter controls gone means polling proceeds
// unfiltered).
type NotFoundError struct {
	Target string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("locator: no strategy matched target %q", e.Target)
}

// IsNotFound reports whether err is a locator miss.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// Finder is the subset of rod.Page (or rod.Element) the resolver needs. Pass
// a page already bounded by Timeout so each strategy probe stays short.
type Finder interface {
	Element(selector string) (*rod.Element, error)
	ElementX(xpath string) (*rod.Element, error)
	Elements(selector string) (rod.Elements, error)
}

// Resolve tries the target's strategies in order and returns the first match.
func Resolve(f Finder, t Target) (*rod.Element, error) {
	for _, st := range t.Strategies {
		el, err := resolveOne(f, st)
		if err == nil && el != nil {
			return el, nil
		}
	}
	return nil, &NotFoundError{Target: t.Name}
}

func resolveOne(f Finder, st Strategy) (*rod.Element, error) {
	switch st.Kind {
	case ByText:
		return f.ElementX(textXPath(st))
	case ByIcon:
		return f.ElementX(iconXPath(st))
	case BySelector:
		return f.Element(st.Selector)
	case ByXPath:
		return f.ElementX(st.XPath)
	case ByIndex:
		els, err := f.Elements(st.Selector)
		if err != nil || len(els) == 0 {
			return nil, &NotFoundError{Target: st.Selector}
		}
		if st.Index < len(els) {
			return els[st.Index], nil
		}
		return els[len(els)-1], nil
	}
	return nil, fmt.Errorf("locator: unknown strategy kind %d", st.Kind)
}

func tagOf(st Strategy) string {
	if st.Tag != "" {
		return st.Tag
	}
	return "button"
}

func textXPath(st Strategy) string {
	conds := make([]string, 0, len(st.Texts))
	for _, t := range st.Texts {
		conds = append(conds, fmt.Sprintf("normalize-space(.)='%s'", t))
	}
	return fmt.Sprintf("//%s[%s]", tagOf(st), strings.Join(conds, " or "))
}

func iconXPath(st Strategy) string {
	conds := make([]string, 0, len(st.Paths))
	for _, p := range st.Paths {
		conds = append(conds, fmt.Sprintf("contains(@d,'%s')", p))
	}
	return fmt.Sprintf("//%s[.//*[local-name()='path' and (%s)]]",
		tagOf(st), strings.Join(conds, " or "))
}
