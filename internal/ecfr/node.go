package ecfr

import (
	"fmt"

	"github.com/goccy/go-json"
)

// TypeSection is the node type that carries word metrics.
const TypeSection = "section"

const unknownAgency = "Unknown"

// Node is one entry of a structure tree. The set of implementations is closed:
// *Section, *Container and *Opaque.
type Node interface {
	node()
}

// Branch is implemented by nodes that may hold children.
type Branch interface {
	Node
	Kids() []Node
}

// Element holds the fields shared by every object node. Keys the tree does not
// model are kept in fields so a node encodes back to its original shape.
type Element struct {
	Type             string
	Identifier       string
	Label            string
	LabelDescription string
	Children         []Node

	fields map[string]any
}

// Section is a node whose type is "section"; only sections carry word metrics.
type Section struct {
	Element
}

// Container is any other object node (title, chapter, part, subpart, ...).
type Container struct {
	Element
}

// Opaque wraps a non-object child. It has no children and is skipped by
// every traversal.
type Opaque struct {
	Value any
}

func (*Section) node()   {}
func (*Container) node() {}
func (*Opaque) node()    {}

// Kids returns the node's children in document order.
func (e *Element) Kids() []Node {
	return e.Children
}

// Agency returns the label description, or "Unknown" when it is empty.
func (s *Section) Agency() string {
	if s.LabelDescription == "" {
		return unknownAgency
	}
	return s.LabelDescription
}

// Text is the string the word metrics are computed from.
func (s *Section) Text() string {
	return s.Identifier + " " + s.Label
}

// NewSection builds a section node.
func NewSection(identifier, label, agency string) *Section {
	return &Section{Element: Element{
		Type:             TypeSection,
		Identifier:       identifier,
		Label:            label,
		LabelDescription: agency,
	}}
}

// NewContainer builds a non-section node holding children.
func NewContainer(nodeType, identifier string, children ...Node) *Container {
	return &Container{Element: Element{
		Type:       nodeType,
		Identifier: identifier,
		Children:   children,
	}}
}

// ParseTree decodes a structure document.
func ParseTree(data []byte) (Node, error) {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode structure: %w", err)
	}
	return FromValue(raw), nil
}

// FromValue converts a generically decoded JSON value into a Node.
func FromValue(value any) Node {
	obj, ok := value.(map[string]any)
	if !ok {
		return &Opaque{Value: value}
	}
	el := Element{fields: make(map[string]any, len(obj))}
	for key, val := range obj {
		if key == "children" {
			if list, isList := val.([]any); isList {
				el.Children = make([]Node, 0, len(list))
				for _, child := range list {
					el.Children = append(el.Children, FromValue(child))
				}
				continue
			}
		}
		el.fields[key] = val
	}
	el.Type = stringField(obj, "type")
	el.Identifier = stringField(obj, "identifier")
	el.Label = stringField(obj, "label")
	el.LabelDescription = stringField(obj, "label_description")
	if el.Type == TypeSection {
		return &Section{Element: el}
	}
	return &Container{Element: el}
}

func stringField(obj map[string]any, key string) string {
	switch v := obj[key].(type) {
	case string:
		return v
	case nil:
		// JSON null reads as empty, so a null label adds no word.
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// MarshalJSON encodes the node with every original key, children included.
func (e Element) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(e.fields)+5)
	for k, v := range e.fields {
		out[k] = v
	}
	setIfPresent(out, "type", e.Type)
	setIfPresent(out, "identifier", e.Identifier)
	setIfPresent(out, "label", e.Label)
	setIfPresent(out, "label_description", e.LabelDescription)
	if e.Children != nil {
		out["children"] = e.Children
	}
	data, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("encode node: %w", err)
	}
	return data, nil
}

func setIfPresent(out map[string]any, key, value string) {
	if _, ok := out[key]; ok || value == "" {
		return
	}
	out[key] = value
}

// MarshalJSON encodes the wrapped value verbatim.
func (o *Opaque) MarshalJSON() ([]byte, error) {
	data, err := json.Marshal(o.Value)
	if err != nil {
		return nil, fmt.Errorf("encode opaque node: %w", err)
	}
	return data, nil
}

// Walk visits root and its descendants depth-first in document order. Opaque
// nodes are not visited. Returning false from visit stops the walk.
func Walk(root Node, visit func(Node) bool) {
	if root == nil {
		return
	}
	stack := []Node{root}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, opaque := n.(*Opaque); opaque || n == nil {
			continue
		}
		if !visit(n) {
			return
		}
		branch, ok := n.(Branch)
		if !ok {
			continue
		}
		kids := branch.Kids()
		for i := len(kids) - 1; i >= 0; i-- {
			stack = append(stack, kids[i])
		}
	}
}

// Sections calls fn for every section under root in document order.
func Sections(root Node, fn func(*Section) bool) {
	Walk(root, func(n Node) bool {
		if s, ok := n.(*Section); ok {
			return fn(s)
		}
		return true
	})
}
