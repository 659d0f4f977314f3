package xml

import (
	"strings"
	"testing"

	"github.com/antchfx/xpath"
)

const sample = `<?xml version="1.0" encoding="UTF-8"?>
<score-partwise version="4.0">
  <part-list>
    <score-part id="P1"><part-name>Violin</part-name></score-part>
    <score-part id="P2"><part-name>Cello</part-name></score-part>
  </part-list>
  <part id="P1">
    <measure number="1">
      <print new-system="yes"><system-layout><system-distance>90</system-distance></system-layout></print>
      <note><pitch><step>C</step><octave>4</octave></pitch><duration>4</duration></note>
    </measure>
  </part>
</score-partwise>`

func mustParse(t *testing.T, src string) *Document {
	t.Helper()
	doc, err := Parse([]byte(src))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	return doc
}

func TestParseInvalidXML(t *testing.T) {
	tests := []struct {
		name string
		xml  string
	}{
		{"unclosed tag", "<root><element></root>"},
		{"mismatched tags", "<root></other>"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse([]byte(tt.xml)); err == nil {
				t.Error("Parse should fail for invalid XML")
			}
		})
	}
}

func TestValidate(t *testing.T) {
	if r := Validate([]byte(sample)); !r.Valid {
		t.Fatalf("sample should be well-formed: %v", r.Errors)
	}

	r := Validate([]byte("<a>\n<b>\n</a>"))
	if r.Valid {
		t.Fatal("expected a syntax error")
	}
	if len(r.Errors) != 1 || r.Errors[0].Line != 3 {
		t.Errorf("errors = %+v, want one error on line 3", r.Errors)
	}
}

func TestValidateDoesNotExpandEntities(t *testing.T) {
	src := `<?xml version="1.0"?>
<!DOCTYPE r [<!ENTITY x SYSTEM "file:///etc/passwd">]>
<r>&x;</r>`
	if r := Validate([]byte(src)); r.Valid {
		t.Error("undeclared entity use should be rejected")
	}
}

func TestRootAndChildren(t *testing.T) {
	doc := mustParse(t, sample)
	root := doc.Root()
	if root.Name() != "score-partwise" || root.Attr("version") != "4.0" {
		t.Fatalf("root = %s version %q", root.Name(), root.Attr("version"))
	}
	var names []string
	for _, c := range root.Children() {
		names = append(names, c.Name())
	}
	if got := strings.Join(names, ","); got != "part-list,part" {
		t.Errorf("children = %s", got)
	}
	if !root.Has("part-list") || root.Has("part-group") {
		t.Error("Has reports the wrong children")
	}
	if root.Child("missing") != nil {
		t.Error("Child should return nil for a missing element")
	}
	if got := root.Child("missing").ChildText("x"); got != "" {
		t.Errorf("nil node ChildText = %q", got)
	}
}

func TestXPath(t *testing.T) {
	doc := mustParse(t, sample)
	parts, err := doc.XPath("//score-part")
	if err != nil {
		t.Fatalf("XPath failed: %v", err)
	}
	if len(parts) != 2 || parts[1].Attr("id") != "P2" || parts[1].ChildText("part-name") != "Cello" {
		t.Fatalf("score parts = %d", len(parts))
	}

	first, err := doc.XPathFirst("//part[@id='P1']/measure")
	if err != nil || first == nil || first.Attr("number") != "1" {
		t.Fatalf("XPathFirst = %v, %v", first, err)
	}
	if none, err := doc.XPathFirst("//part[@id='P9']"); err != nil || none != nil {
		t.Errorf("XPathFirst for a missing node = %v, %v", none, err)
	}
	if _, err := doc.XPath("//["); err == nil {
		t.Error("expected an invalid xpath error")
	}
}

func TestSelect(t *testing.T) {
	doc := mustParse(t, sample)
	steps := xpath.MustCompile("measure/note/pitch/step")
	part, _ := doc.XPathFirst("//part")
	got := part.Select(steps)
	if len(got) != 1 || got[0].TrimmedText() != "C" {
		t.Fatalf("Select = %d nodes", len(got))
	}
	if part.SelectOne(xpath.MustCompile("measure/backup")) != nil {
		t.Error("SelectOne should return nil without a match")
	}
}

func TestInnerXMLAndAttributes(t *testing.T) {
	doc := mustParse(t, sample)
	print, _ := doc.XPathFirst("//print")
	if got := print.InnerXML(); got != "<system-layout><system-distance>90</system-distance></system-layout>" {
		t.Errorf("InnerXML = %q", got)
	}
	attrs := print.Attributes()
	if len(attrs) != 1 || attrs[0] != (Attr{Name: "new-system", Value: "yes"}) {
		t.Errorf("Attributes = %+v", attrs)
	}
	if !print.HasAttr("new-system") || print.HasAttr("new-page") {
		t.Error("HasAttr reports the wrong attributes")
	}
}
