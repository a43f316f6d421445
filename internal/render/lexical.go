package render

import (
	"encoding/json"
	"fmt"
	"html"
	"strings"
)

// Text format bits of a text node.
const (
	formatBold = 1 << iota
	formatItalic
	formatStrikethrough
	formatUnderline
	formatCode
	formatSubscript
	formatSuperscript
	formatHighlight
)

// EditorToHTML converts a serialized editor state ({"root": {...}}) to an HTML fragment.
func EditorToHTML(data json.RawMessage) (string, error) {
	var state map[string]interface{}
	if err := json.Unmarshal(data, &state); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	root, ok := state["root"].(map[string]interface{})
	if !ok {
		return "", fmt.Errorf("%w: missing root", ErrInvalidDocument)
	}
	return renderChildren(root), nil
}

// PlainText flattens the tree to its text content, used for search indexing and feed summaries.
func PlainText(data json.RawMessage) string {
	var state map[string]interface{}
	if err := json.Unmarshal(data, &state); err != nil {
		return ""
	}
	root, _ := state["root"].(map[string]interface{})
	var b strings.Builder
	collectText(root, &b)
	return strings.Join(strings.Fields(b.String()), " ")
}

func collectText(node map[string]interface{}, b *strings.Builder) {
	if node == nil {
		return
	}
	switch node["type"] {
	case "text":
		text, _ := node["text"].(string)
		b.WriteString(text)
	case "math":
		value, _ := node["value"].(string)
		b.WriteString(value)
	}
	children, _ := node["children"].([]interface{})
	for _, child := range children {
		if childNode, ok := child.(map[string]interface{}); ok {
			collectText(childNode, b)
		}
	}
	if node["type"] == "paragraph" || node["type"] == "heading" || node["type"] == "listitem" {
		b.WriteString(" ")
	}
}

func renderNode(node map[string]interface{}) string {
	nodeType, _ := node["type"].(string)
	switch nodeType {
	case "paragraph":
		return fmt.Sprintf("<p%s>%s</p>\n", alignment(node), renderChildren(node))
	case "heading":
		tag := stringAttr(node, "tag")
		if len(tag) != 2 || tag[0] != 'h' || tag[1] < '1' || tag[1] > '6' {
			tag = "h2"
		}
		return fmt.Sprintf("<%s%s>%s</%s>\n", tag, alignment(node), renderChildren(node), tag)
	case "quote":
		return fmt.Sprintf("<blockquote>%s</blockquote>\n", renderChildren(node))
	case "list":
		tag := "ul"
		if stringAttr(node, "listType") == "number" {
			tag = "ol"
		}
		return fmt.Sprintf("<%s>\n%s</%s>\n", tag, renderChildren(node), tag)
	case "listitem":
		if checked, ok := node["checked"].(bool); ok {
			box := `<input type="checkbox" disabled>`
			if checked {
				box = `<input type="checkbox" checked disabled>`
			}
			return fmt.Sprintf("<li>%s %s</li>\n", box, renderChildren(node))
		}
		return fmt.Sprintf("<li>%s</li>\n", renderChildren(node))
	case "code":
		return fmt.Sprintf("<pre><code>%s</code></pre>\n", renderChildren(node))
	case "text", "code-highlight":
		text, _ := node["text"].(string)
		format, _ := node["format"].(float64)
		return renderText(text, int(format))
	case "linebreak":
		return "<br>"
	case "tab":
		return "\t"
	case "link", "autolink":
		return fmt.Sprintf(`<a href="%s">%s</a>`, html.EscapeString(safeURL(stringAttr(node, "url"))), renderChildren(node))
	case "math":
		return renderMath(node)
	case "image":
		return fmt.Sprintf(`<img src="%s" alt="%s">`,
			html.EscapeString(safeURL(stringAttr(node, "src"))), html.EscapeString(stringAttr(node, "altText")))
	case "horizontalrule":
		return "<hr>\n"
	case "table":
		return fmt.Sprintf("<table>\n%s</table>\n", renderChildren(node))
	case "tablerow":
		return fmt.Sprintf("<tr>%s</tr>\n", renderChildren(node))
	case "tablecell":
		if header, _ := node["headerState"].(float64); header > 0 {
			return fmt.Sprintf("<th>%s</th>", renderChildren(node))
		}
		return fmt.Sprintf("<td>%s</td>", renderChildren(node))
	default:
		return renderChildren(node)
	}
}

func renderChildren(node map[string]interface{}) string {
	children, ok := node["children"].([]interface{})
	if !ok {
		return ""
	}
	var b strings.Builder
	for _, child := range children {
		if childNode, ok := child.(map[string]interface{}); ok {
			b.WriteString(renderNode(childNode))
		}
	}
	return b.String()
}

func renderText(text string, format int) string {
	if text == "" {
		return ""
	}
	out := html.EscapeString(text)
	wrap := []struct {
		bit int
		tag string
	}{
		{formatCode, "code"},
		{formatHighlight, "mark"},
		{formatSubscript, "sub"},
		{formatSuperscript, "sup"},
		{formatStrikethrough, "s"},
		{formatUnderline, "u"},
		{formatItalic, "em"},
		{formatBold, "strong"},
	}
	for _, w := range wrap {
		if format&w.bit != 0 {
			out = "<" + w.tag + ">" + out + "</" + w.tag + ">"
		}
	}
	return out
}

// Math is emitted as TeX between MathJax delimiters.
func renderMath(node map[string]interface{}) string {
	value := html.EscapeString(stringAttr(node, "value"))
	if strings.Contains(stringAttr(node, "style"), "display") {
		return fmt.Sprintf(`<span class="math math-display">\[%s\]</span>`, value)
	}
	return fmt.Sprintf(`<span class="math math-inline">\(%s\)</span>`, value)
}

func alignment(node map[string]interface{}) string {
	switch align := stringAttr(node, "format"); align {
	case "center", "right", "justify":
		return fmt.Sprintf(` style="text-align: %s"`, align)
	default:
		return ""
	}
}

func stringAttr(node map[string]interface{}, key string) string {
	value, _ := node[key].(string)
	return value
}

func safeURL(raw string) string {
	lower := strings.ToLower(strings.TrimSpace(raw))
	if strings.HasPrefix(lower, "javascript:") || strings.HasPrefix(lower, "vbscript:") {
		return "#"
	}
	return raw
}
