package locator

import (
	"errors"
	"strings"
	"testing"

	"github.com/go-rod/rod"
)

// fakeFinder records the queries the resolver issues and answers from a fixed
// table, so strategy ordering can be tested without a browser.
type fakeFinder struct {
	queries []string
	match   func(q string) bool
}

var errNoMatch = errors.New("no match")

func (f *fakeFinder) answer(q string) (*rod.Element, error) {
	f.queries = append(f.queries, q)
	if f.match != nil && f.match(q) {
		return &rod.Element{}, nil
	}
	return nil, errNoMatch
}

func (f *fakeFinder) Element(selector string) (*rod.Element, error) { return f.answer(selector) }
func (f *fakeFinder) ElementX(xpath string) (*rod.Element, error)   { return f.answer(xpath) }
func (f *fakeFinder) Elements(selector string) (rod.Elements, error) {
	f.queries = append(f.queries, selector)
	if f.match != nil && f.match(selector) {
		return rod.Elements{&rod.Element{}, &rod.Element{}}, nil
	}
	return nil, errNoMatch
}

func TestResolveOrderAndFallback(t *testing.T) {
	target := Target{
		Name: "claim button",
		Strategies: []Strategy{
			{Kind: ByText, Texts: []string{"Take", "Взять"}},
			{Kind: ByIcon, Paths: []string{"M12.794"}},
			{Kind: BySelector, Selector: "button.primary"},
		},
	}

	// Second strategy matches: the first must have been probed before it.
	f := &fakeFinder{match: func(q string) bool { return strings.Contains(q, "M12.794") }}
	el, err := Resolve(f, target)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if el == nil {
		t.Fatal("Resolve returned nil element")
	}
	if len(f.queries) != 2 {
		t.Fatalf("queries = %v, want first two strategies probed in order", f.queries)
	}
	if !strings.Contains(f.queries[0], "normalize-space(.)='Take'") {
		t.Errorf("first probe %q is not the text strategy", f.queries[0])
	}
}

func TestResolveNotFound(t *testing.T) {
	target := Target{
		Name:       "filter toggle",
		Strategies: []Strategy{{Kind: BySelector, Selector: "div.missing"}},
	}
	_, err := Resolve(&fakeFinder{}, target)
	if err == nil {
		t.Fatal("Resolve succeeded on a target with no matches")
	}
	if !IsNotFound(err) {
		t.Fatalf("err = %v, want NotFoundError", err)
	}
	if !strings.Contains(err.Error(), "filter toggle") {
		t.Errorf("error %q does not name the logical target", err.Error())
	}
}

func TestByIndexFallsBackToLast(t *testing.T) {
	f := &fakeFinder{match: func(q string) bool { return q == "div.row" }}
	target := Target{
		Name:       "amount row",
		Strategies: []Strategy{{Kind: ByIndex, Selector: "div.row", Index: 5}},
	}
	// Only two rows exist; index 5 must degrade to the last row, not fail.
	if _, err := Resolve(f, target); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
}

func TestTextXPathCoversAllLanguages(t *testing.T) {
	st := Strategy{Kind: ByText, Texts: []string{"Done", "Готово"}}
	x := textXPath(st)
	for _, want := range []string{"'Done'", "'Готово'", " or "} {
		if !strings.Contains(x, want) {
			t.Errorf("xpath %q missing %s", x, want)
		}
	}
}
