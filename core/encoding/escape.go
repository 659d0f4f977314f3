// Package encoding provides the text escaping shared by the format writers.
package encoding

import (
	"strings"
)

var xmlText = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")

var xmlAttr = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", `"`, "&quot;")

// EscapeXMLText escapes the basic XML entities for element content.
func EscapeXMLText(s string) string {
	return xmlText.Replace(s)
}

// EscapeXMLAttr escapes text for a double-quoted XML attribute.
func EscapeXMLAttr(s string) string {
	return xmlAttr.Replace(s)
}

var lilyEscape = strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`, "\t", `\t`)

// QuoteLily returns s as a LilyPond string literal.
func QuoteLily(s string) string {
	return `"` + lilyEscape.Replace(s) + `"`
}

// UnquoteLily strips the quotes of a LilyPond string literal and resolves
// its escapes. An unknown escape yields the escaped character. Input that
// is not a quoted literal is returned unchanged.
func UnquoteLily(s string) string {
	if len(s) < 2 || s[0] != '"' || s[len(s)-1] != '"' {
		return s
	}
	body := s[1 : len(s)-1]
	if !strings.Contains(body, `\`) {
		return body
	}
	var sb strings.Builder
	sb.Grow(len(body))
	for i := 0; i < len(body); i++ {
		c := body[i]
		if c != '\\' || i == len(body)-1 {
			sb.WriteByte(c)
			continue
		}
		i++
		switch body[i] {
		case 'n':
			sb.WriteByte('\n')
		case 't':
			sb.WriteByte('\t')
		default:
			sb.WriteByte(body[i])
		}
	}
	return sb.String()
}
