// Package prompts holds the OCR prompt presets sent to the vision
// model. Keeping them in one place makes tuning transcription quality a
// text edit instead of a code change.
package prompts

// Default asks for a faithful Markdown transcription of a single page.
const Default = "Convert this PDF page to Markdown. Preserve all text, headings, and footnotes (use [^1] format)."

// TwoColumn handles academic two-column layouts, which the default
// prompt tends to interleave line by line.
const TwoColumn = "Give me a clean Markdown-formatted transcription of this two-column PDF page. Read LEFT column first (top to bottom), then RIGHT column (top to bottom). Include all text and preserve structure."

// ForLayout returns the preset for a named page layout. Unknown names
// fall back to the default prompt.
func ForLayout(layout string) string {
	switch layout {
	case "two-column":
		return TwoColumn
	default:
		return Default
	}
}
