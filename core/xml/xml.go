// Package xml wraps xmlquery and xpath for the XML based formats: parsing
// with positioned syntax errors, element navigation and XPath selection.
//
// External entities are never fetched: parsing goes through encoding/xml,
// and Validate additionally disables entity expansion.
package xml

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"strings"

	"github.com/antchfx/xmlquery"
	"github.com/antchfx/xpath"

	"github.com/FocuswithJustin/ScoreBridge/core/errors"
)

// Document represents a parsed XML document.
type Document struct {
	root *xmlquery.Node
}

// Node is an element of a parsed document.
type Node struct {
	node *xmlquery.Node
}

// Attr is one attribute in document order.
type Attr struct {
	Name  string
	Value string
}

// ValidationResult contains the result of a well-formedness check.
type ValidationResult struct {
	Valid  bool
	Errors []ValidationError
}

// ValidationError represents a single validation error.
type ValidationError struct {
	Line    int
	Message string
}

// Parse parses XML data. Character sets other than UTF-8 are decoded
// according to the XML declaration.
func Parse(data []byte) (*Document, error) {
	root, err := xmlquery.Parse(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parsing XML: %w", err)
	}
	return &Document{root: root}, nil
}

// Validate checks that data is well-formed and reports the line of the
// first syntax error.
func Validate(data []byte) ValidationResult {
	result := ValidationResult{Valid: true}

	decoder := xml.NewDecoder(bytes.NewReader(data))
	decoder.Entity = map[string]string{}
	decoder.CharsetReader = func(label string, input io.Reader) (io.Reader, error) {
		// Only structure is checked here; Parse handles the decoding.
		return input, nil
	}

	for {
		_, err := decoder.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			ve := ValidationError{Message: err.Error()}
			var se *xml.SyntaxError
			if errors.As(err, &se) {
				ve.Line, ve.Message = se.Line, se.Msg
			}
			result.Valid = false
			result.Errors = append(result.Errors, ve)
			break
		}
	}
	return result
}

// Root returns the document element, or nil for an empty document.
func (d *Document) Root() *Node {
	if d == nil || d.root == nil {
		return nil
	}
	for child := d.root.FirstChild; child != nil; child = child.NextSibling {
		if child.Type == xmlquery.ElementNode {
			return &Node{node: child}
		}
	}
	return nil
}

// XPath executes an XPath query and returns matching nodes.
func (d *Document) XPath(expr string) ([]*Node, error) {
	compiled, err := xpath.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid xpath: %w", err)
	}
	return wrap(xmlquery.QuerySelectorAll(d.root, compiled)), nil
}

// XPathFirst executes an XPath query and returns the first matching node,
// or nil.
func (d *Document) XPathFirst(expr string) (*Node, error) {
	compiled, err := xpath.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid xpath: %w", err)
	}
	if n := xmlquery.QuerySelector(d.root, compiled); n != nil {
		return &Node{node: n}, nil
	}
	return nil, nil
}

func wrap(nodes []*xmlquery.Node) []*Node {
	out := make([]*Node, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, &Node{node: n})
	}
	return out
}

// Select returns the nodes matching a compiled expression relative to n.
func (n *Node) Select(expr *xpath.Expr) []*Node {
	if n == nil {
		return nil
	}
	return wrap(xmlquery.QuerySelectorAll(n.node, expr))
}

// SelectOne returns the first node matching a compiled expression relative
// to n, or nil.
func (n *Node) SelectOne(expr *xpath.Expr) *Node {
	if n == nil {
		return nil
	}
	if found := xmlquery.QuerySelector(n.node, expr); found != nil {
		return &Node{node: found}
	}
	return nil
}

// Name returns the element name.
func (n *Node) Name() string {
	if n == nil {
		return ""
	}
	return n.node.Data
}

// Text returns the text content of the node and its descendants.
func (n *Node) Text() string {
	if n == nil {
		return ""
	}
	return n.node.InnerText()
}

// TrimmedText returns Text without surrounding white space.
func (n *Node) TrimmedText() string {
	return strings.TrimSpace(n.Text())
}

// InnerXML returns the markup of the element children of n, skipping
// white space between them.
func (n *Node) InnerXML() string {
	if n == nil {
		return ""
	}
	var buf strings.Builder
	for child := n.node.FirstChild; child != nil; child = child.NextSibling {
		if child.Type == xmlquery.TextNode && strings.TrimSpace(child.Data) == "" {
			continue
		}
		buf.WriteString(child.OutputXML(true))
	}
	return buf.String()
}

// Children returns the child element nodes.
func (n *Node) Children() []*Node {
	if n == nil {
		return nil
	}
	var children []*Node
	for child := n.node.FirstChild; child != nil; child = child.NextSibling {
		if child.Type == xmlquery.ElementNode {
			children = append(children, &Node{node: child})
		}
	}
	return children
}

// Child returns the first child element named name, or nil.
func (n *Node) Child(name string) *Node {
	if n == nil {
		return nil
	}
	for child := n.node.FirstChild; child != nil; child = child.NextSibling {
		if child.Type == xmlquery.ElementNode && child.Data == name {
			return &Node{node: child}
		}
	}
	return nil
}

// Has reports whether n has a child element named name.
func (n *Node) Has(name string) bool {
	return n.Child(name) != nil
}

// ChildText returns the trimmed text of the first child named name.
func (n *Node) ChildText(name string) string {
	return n.Child(name).TrimmedText()
}

// Attributes returns the attributes in document order.
func (n *Node) Attributes() []Attr {
	if n == nil {
		return nil
	}
	attrs := make([]Attr, 0, len(n.node.Attr))
	for _, a := range n.node.Attr {
		attrs = append(attrs, Attr{Name: a.Name.Local, Value: a.Value})
	}
	return attrs
}

// Attr returns the value of an attribute, or "".
func (n *Node) Attr(name string) string {
	if n == nil {
		return ""
	}
	return n.node.SelectAttr(name)
}

// HasAttr reports whether the attribute is present.
func (n *Node) HasAttr(name string) bool {
	if n == nil {
		return false
	}
	for _, a := range n.node.Attr {
		if a.Name.Local == name {
			return true
		}
	}
	return false
}
