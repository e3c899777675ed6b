package ocr

import "strings"

// CleanMarkdown strips the code-fence wrapper some models put around
// their whole answer. Fences inside the page text are left alone.
func CleanMarkdown(text string) string {
	text = strings.TrimSpace(text)

	if strings.HasPrefix(text, "```markdown") {
		text = strings.TrimSpace(text[len("```markdown"):])
	} else if strings.HasPrefix(text, "```") {
		text = strings.TrimSpace(text[len("```"):])
	}

	if strings.HasSuffix(text, "```") {
		text = strings.TrimSpace(text[:len(text)-len("```")])
	}

	return text
}
