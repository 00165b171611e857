package blueprint

import (
	"github.com/charmbracelet/glamour"
)

// DefaultWrap is the word-wrap width used for terminal rendering.
const DefaultWrap = 80

// RenderTerminal styles a Markdown document for the terminal. style is a
// glamour style name; empty selects one from the terminal background.
func RenderTerminal(markdown, style string, width int) (string, error) {
	if width <= 0 {
		width = DefaultWrap
	}
	opts := []glamour.TermRendererOption{glamour.WithWordWrap(width)}
	if style == "" {
		opts = append(opts, glamour.WithAutoStyle())
	} else {
		opts = append(opts, glamour.WithStandardStyle(style))
	}

	r, err := glamour.NewTermRenderer(opts...)
	if err != nil {
		return "", err
	}
	return r.Render(markdown)
}
