package extract

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// Statement filters. A statement is a single line of prose that could plausibly
// be a durable architectural claim.
const (
	MinStatementChars  = 32
	MaxStatementChars  = 280
	MinStatementWords  = 6
	MaxInlineCodeTicks = 4
)

var (
	listMarkerPattern  = regexp.MustCompile(`^(?:[-*+]|\d+[.)])\s+`)
	checkboxPattern    = regexp.MustCompile(`^\[[ xX]\]\s+`)
	separatorPattern   = regexp.MustCompile(`^[-*_=~\s]{3,}$`)
	placeholderPattern = regexp.MustCompile(`\{\{[^}]*\}\}|\[(?:TODO|TBD|FIXME)[^\]]*\]|<[a-z][a-z0-9_-]*>`)
)

// boilerplate lists line prefixes that scaffolding templates emit in every
// session. They repeat across sessions without saying anything.
var boilerplate = []string{
	"this document",
	"this file",
	"this section",
	"see also",
	"table of contents",
	"generated by",
	"last updated",
	"created:",
	"updated:",
	"author:",
	"status:",
	"owner:",
	"describe ",
	"list the ",
	"fill in",
	"replace this",
	"add your",
	"use this template",
}

func isBoilerplate(line string) bool {
	lower := strings.ToLower(line)
	for _, phrase := range boilerplate {
		if strings.HasPrefix(lower, phrase) {
			return true
		}
	}
	return false
}

// Statements splits Markdown content into candidate claim statements.
func Statements(content string) []string {
	var out []string
	inFence := false
	inComment := false

	for _, raw := range strings.Split(content, "\n") {
		line := strings.TrimSpace(raw)

		if strings.HasPrefix(line, "```") || strings.HasPrefix(line, "~~~") {
			inFence = !inFence
			continue
		}
		if inFence {
			continue
		}

		if inComment {
			if strings.Contains(line, "-->") {
				inComment = false
			}
			continue
		}
		if strings.HasPrefix(line, "<!--") {
			if !strings.Contains(line, "-->") {
				inComment = true
			}
			continue
		}

		if line == "" ||
			strings.HasPrefix(line, "#") ||
			strings.HasPrefix(line, "|") ||
			separatorPattern.MatchString(line) {
			continue
		}

		line = strings.TrimSpace(strings.TrimPrefix(line, ">"))
		line = listMarkerPattern.ReplaceAllString(line, "")
		line = checkboxPattern.ReplaceAllString(line, "")
		line = strings.TrimSpace(line)

		if !acceptable(line) {
			continue
		}
		out = append(out, line)
	}
	return out
}

func acceptable(s string) bool {
	if s == "" || isBoilerplate(s) || placeholderPattern.MatchString(s) {
		return false
	}
	n := utf8.RuneCountInString(s)
	if n < MinStatementChars || n > MaxStatementChars {
		return false
	}
	if len(strings.Fields(s)) < MinStatementWords {
		return false
	}
	if strings.Count(s, "`") >= MaxInlineCodeTicks {
		return false
	}
	return true
}
