package projectstore

import "github.com/gomarkdown/markdown"

// RenderNotesHTML renders a project's free-form notes to HTML for the host
// viewer, following the pack's own template "markdown" helper
// (gomarkdown/markdown, no custom renderer options).
func RenderNotesHTML(notes string) string {
	if notes == "" {
		return ""
	}
	return string(markdown.ToHTML([]byte(notes), nil, nil))
}
