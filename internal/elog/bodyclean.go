package elog

import (
	"regexp"
	"strings"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
)

var (
	markdownSyntaxPattern = regexp.MustCompile(`[#*_` + "`" + `>\[\]()!-]`)
	whitespacePattern     = regexp.MustCompile(`\s+`)
)

// cleanBody converts a logbook entry's raw HTML body into normalized plain
// text: HTML -> Markdown -> strip Markdown syntax -> collapse whitespace
// (§3, ELOGHit.body-clean).
func cleanBody(bodyHTML string) string {
	if strings.TrimSpace(bodyHTML) == "" {
		return ""
	}

	md, err := htmltomarkdown.ConvertString(bodyHTML)
	if err != nil {
		md = bodyHTML
	}

	stripped := markdownSyntaxPattern.ReplaceAllString(md, "")
	return strings.TrimSpace(whitespacePattern.ReplaceAllString(stripped, " "))
}
