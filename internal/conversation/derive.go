// ABOUTME: Derives thread titles from user messages and previews from assistant text
// ABOUTME: Previews strip Markdown with goldmark before truncation

package conversation

import (
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

const (
	titleLimit   = 60
	previewLimit = 140
)

var markdown = goldmark.New()

// deriveTitle returns nil when the message has no visible text.
func deriveTitle(message string) *string {
	s := truncate(collapse(message), titleLimit)
	if s == "" {
		return nil
	}
	return &s
}

// derivePreview renders assistant Markdown as a single line of plain text.
func derivePreview(assistantText string) *string {
	s := truncate(plainText([]byte(assistantText)), previewLimit)
	if s == "" {
		return nil
	}
	return &s
}

func plainText(src []byte) string {
	doc := markdown.Parser().Parse(text.NewReader(src))

	var b strings.Builder
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			if n.Type() == ast.TypeBlock {
				b.WriteByte(' ')
			}
			return ast.WalkContinue, nil
		}
		switch v := n.(type) {
		case *ast.Text:
			b.Write(v.Segment.Value(src))
			if v.SoftLineBreak() || v.HardLineBreak() {
				b.WriteByte(' ')
			}
		case *ast.String:
			b.Write(v.Value)
		case *ast.AutoLink:
			b.Write(v.Label(src))
		case *ast.CodeBlock, *ast.FencedCodeBlock:
			lines := n.Lines()
			for i := 0; i < lines.Len(); i++ {
				seg := lines.At(i)
				b.Write(seg.Value(src))
				b.WriteByte(' ')
			}
			return ast.WalkSkipChildren, nil
		}
		return ast.WalkContinue, nil
	})
	return collapse(b.String())
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// truncate cuts s to limit runes, ending in an ellipsis when shortened.
func truncate(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return strings.TrimRight(string(r[:limit-1]), " ") + "…"
}
