package ecfr

import (
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleTree = `{
  "type": "title",
  "identifier": "7",
  "label": "Title 7 - Agriculture",
  "reserved": false,
  "children": [
    "editorial note",
    {
      "type": "part",
      "identifier": "1",
      "children": [
        {"type": "section", "identifier": "1.1", "label": "Scope", "label_description": "Agency A", "size": 12},
        {"type": "section", "identifier": "1.2", "label": "Definitions", "label_description": null},
        42
      ]
    },
    {"type": "section", "identifier": null, "label": "Orphan"}
  ]
}`

func TestParseTreeBuildsVariants(t *testing.T) {
	t.Parallel()

	root, err := ParseTree([]byte(sampleTree))
	require.NoError(t, err)

	title, ok := root.(*Container)
	require.True(t, ok, "root should be a container, got %T", root)
	require.Equal(t, "title", title.Type)
	require.Len(t, title.Kids(), 3)

	_, opaque := title.Kids()[0].(*Opaque)
	assert.True(t, opaque, "string child should be opaque")

	part, ok := title.Kids()[1].(*Container)
	require.True(t, ok)
	require.Len(t, part.Kids(), 3)

	scope, ok := part.Kids()[0].(*Section)
	require.True(t, ok)
	assert.Equal(t, "1.1", scope.Identifier)
	assert.Equal(t, "Agency A", scope.Agency())
	assert.Equal(t, "1.1 Scope", scope.Text())

	defs, ok := part.Kids()[1].(*Section)
	require.True(t, ok)
	assert.Equal(t, "Unknown", defs.Agency())

	orphan, ok := title.Kids()[2].(*Section)
	require.True(t, ok)
	assert.Empty(t, orphan.Identifier)
}

func TestParseTreeRejectsInvalidJSON(t *testing.T) {
	t.Parallel()

	_, err := ParseTree([]byte(`{"type":`))
	require.Error(t, err)
}

func TestWalkVisitsDocumentOrderAndSkipsOpaque(t *testing.T) {
	t.Parallel()

	root, err := ParseTree([]byte(sampleTree))
	require.NoError(t, err)

	var ids []string
	Walk(root, func(n Node) bool {
		switch v := n.(type) {
		case *Section:
			ids = append(ids, "s:"+v.Identifier)
		case *Container:
			ids = append(ids, "c:"+v.Identifier)
		default:
			t.Fatalf("unexpected node %T", n)
		}
		return true
	})
	assert.Equal(t, []string{"c:7", "c:1", "s:1.1", "s:1.2", "s:"}, ids)
}

func TestWalkStopsEarly(t *testing.T) {
	t.Parallel()

	root := NewContainer("title", "1",
		NewSection("1.1", "a", ""),
		NewSection("1.2", "b", ""),
	)
	visited := 0
	Sections(root, func(*Section) bool {
		visited++
		return false
	})
	assert.Equal(t, 1, visited)
}

func TestSectionMarshalKeepsUnknownFields(t *testing.T) {
	t.Parallel()

	root, err := ParseTree([]byte(sampleTree))
	require.NoError(t, err)

	var scope *Section
	Sections(root, func(s *Section) bool {
		if s.Identifier == "1.1" {
			scope = s
			return false
		}
		return true
	})
	require.NotNil(t, scope)

	data, err := json.Marshal(scope)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "section", decoded["type"])
	assert.Equal(t, "Scope", decoded["label"])
	assert.Equal(t, "Agency A", decoded["label_description"])
	assert.EqualValues(t, 12, decoded["size"])
}

func TestContainerMarshalIncludesChildren(t *testing.T) {
	t.Parallel()

	root := NewContainer("part", "1", NewSection("1.1", "Scope", "Agency A"), &Opaque{Value: "note"})
	data, err := json.Marshal(root)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"type": "part",
		"identifier": "1",
		"children": [
			{"type": "section", "identifier": "1.1", "label": "Scope", "label_description": "Agency A"},
			"note"
		]
	}`, string(data))
}
