package device

import (
	"fmt"
	"regexp"
	"strconv"

	"github.com/beevik/etree"

	"github.com/haricheung/qaml/internal/types"
)

var androidBoundsRe = regexp.MustCompile(`^\[(-?\d+),(-?\d+)\]\[(-?\d+),(-?\d+)\]$`)

// ParseElements flattens a page-source document into the elements worth
// showing a model: visible, non-empty, and carrying text, a label, an
// identifier or (on Android) a click handler. Document order is kept.
func ParseElements(platform types.Platform, source string) ([]types.Element, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromString(source); err != nil {
		return nil, fmt.Errorf("device: parse page source: %w", err)
	}
	root := doc.Root()
	if root == nil {
		return nil, nil
	}

	var out []types.Element
	var walk func(e *etree.Element)
	walk = func(e *etree.Element) {
		var el types.Element
		var ok bool
		if platform == types.PlatformAndroid {
			el, ok = androidElement(e)
		} else {
			el, ok = iosElement(e)
		}
		if ok {
			out = append(out, el)
		}
		for _, child := range e.ChildElements() {
			walk(child)
		}
	}
	walk(root)
	return out, nil
}

func androidElement(e *etree.Element) (types.Element, bool) {
	if e.SelectAttrValue("displayed", "true") == "false" {
		return types.Element{}, false
	}
	m := androidBoundsRe.FindStringSubmatch(e.SelectAttrValue("bounds", ""))
	if m == nil {
		return types.Element{}, false
	}
	x1, y1, x2, y2 := atoi(m[1]), atoi(m[2]), atoi(m[3]), atoi(m[4])
	el := types.Element{
		Type:       e.SelectAttrValue("class", e.Tag),
		Text:       e.SelectAttrValue("text", ""),
		Label:      e.SelectAttrValue("content-desc", ""),
		Identifier: e.SelectAttrValue("resource-id", ""),
		Bounds:     types.Bounds{X: x1, Y: y1, Width: x2 - x1, Height: y2 - y1},
		Enabled:    e.SelectAttrValue("enabled", "true") == "true",
		Clickable:  e.SelectAttrValue("clickable", "false") == "true",
	}
	return el, worthShowing(el)
}

func iosElement(e *etree.Element) (types.Element, bool) {
	if e.SelectAttrValue("visible", "true") == "false" {
		return types.Element{}, false
	}
	el := types.Element{
		Type:       e.SelectAttrValue("type", e.Tag),
		Text:       e.SelectAttrValue("value", ""),
		Label:      e.SelectAttrValue("label", ""),
		Identifier: e.SelectAttrValue("name", ""),
		Bounds: types.Bounds{
			X:      atoi(e.SelectAttrValue("x", "0")),
			Y:      atoi(e.SelectAttrValue("y", "0")),
			Width:  atoi(e.SelectAttrValue("width", "0")),
			Height: atoi(e.SelectAttrValue("height", "0")),
		},
		Enabled: e.SelectAttrValue("enabled", "true") == "true",
	}
	return el, worthShowing(el)
}

func worthShowing(el types.Element) bool {
	if el.Bounds.Width <= 0 || el.Bounds.Height <= 0 {
		return false
	}
	return el.Text != "" || el.Label != "" || el.Identifier != "" || el.Clickable
}

// atoi parses an integer attribute; XCUITest occasionally reports floats.
func atoi(s string) int {
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	f, _ := strconv.ParseFloat(s, 64)
	return int(f)
}
