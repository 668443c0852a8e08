package intake

import (
	"fmt"
	"strings"

	"github.com/ctreminiom/go-atlassian/v2/pkg/infra/models"
)

// ADFToText renders an Atlassian Document Format node tree as plain text
// suitable for a task prompt. Returns an empty string for nil input.
func ADFToText(node *models.CommentNodeScheme) string {
	if node == nil {
		return ""
	}
	var b strings.Builder
	writeNode(&b, node, 0, false)
	return strings.TrimRight(b.String(), "\n")
}

func writeNode(b *strings.Builder, node *models.CommentNodeScheme, depth int, inList bool) {
	if node == nil {
		return
	}

	switch node.Type {
	case "doc":
		writeChildren(b, node, depth, false)

	case "paragraph":
		writeChildren(b, node, depth, false)
		if inList {
			b.WriteString("\n")
		} else {
			b.WriteString("\n\n")
		}

	case "heading":
		writeChildren(b, node, depth, false)
		b.WriteString("\n\n")

	case "text":
		b.WriteString(node.Text)

	case "hardBreak":
		b.WriteString("\n")

	case "bulletList":
		for _, child := range node.Content {
			b.WriteString(strings.Repeat("  ", depth))
			b.WriteString("- ")
			writeListItem(b, child, depth+1)
		}

	case "orderedList":
		for i, child := range node.Content {
			b.WriteString(strings.Repeat("  ", depth))
			fmt.Fprintf(b, "%d. ", i+1)
			writeListItem(b, child, depth+1)
		}

	case "listItem":
		writeChildren(b, node, depth, true)

	case "codeBlock":
		writeChildren(b, node, depth, false)
		b.WriteString("\n\n")

	case "blockquote":
		var inner strings.Builder
		writeChildren(&inner, node, depth, false)
		for _, line := range strings.Split(strings.TrimRight(inner.String(), "\n"), "\n") {
			b.WriteString("> ")
			b.WriteString(line)
			b.WriteString("\n")
		}
		b.WriteString("\n")

	case "rule":
		b.WriteString("---\n\n")

	case "mention":
		if name := attrString(node.Attrs, "text"); name != "" {
			b.WriteString(name)
		}

	case "emoji":
		if short := attrString(node.Attrs, "shortName"); short != "" {
			b.WriteString(short)
		}

	case "inlineCard":
		if url := attrString(node.Attrs, "url"); url != "" {
			b.WriteString(url)
		}

	case "mediaSingle", "mediaGroup":
		// Media cannot be rendered as text.

	default:
		// Unknown container types still get their text content rendered.
		writeChildren(b, node, depth, inList)
	}
}

func writeChildren(b *strings.Builder, node *models.CommentNodeScheme, depth int, inList bool) {
	for _, child := range node.Content {
		writeNode(b, child, depth, inList)
	}
}

// writeListItem renders a listItem node with its first paragraph inline
// after the bullet and any remaining blocks nested below it.
func writeListItem(b *strings.Builder, node *models.CommentNodeScheme, depth int) {
	if node == nil {
		b.WriteString("\n")
		return
	}
	for i, child := range node.Content {
		if i == 0 && child.Type == "paragraph" {
			writeChildren(b, child, depth, true)
			b.WriteString("\n")
			continue
		}
		writeNode(b, child, depth, true)
	}
}

func attrString(attrs map[string]interface{}, key string) string {
	if attrs == nil {
		return ""
	}
	if v, ok := attrs[key].(string); ok {
		return v
	}
	return ""
}
