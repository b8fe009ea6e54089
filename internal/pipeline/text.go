package pipeline

import (
	"net/url"
	"regexp"
	"strings"
)

var (
	emojiPattern      = regexp.MustCompile(`[\x{1F300}-\x{1F5FF}\x{1F600}-\x{1F64F}\x{1F680}-\x{1F6FF}\x{2600}-\x{26FF}\x{2700}-\x{27BF}]`)
	controlPattern    = regexp.MustCompile(`[\x00-\x08\x0B\x0C\x0E-\x1F\x{7F}-\x{9F}]`)
	linkPattern       = regexp.MustCompile(`https?://\S+|www\.\S+`)
	markupPattern     = regexp.MustCompile("[_*~`]+")
	whitespacePattern = regexp.MustCompile(`\s+`)
	letterPattern     = regexp.MustCompile(`[A-Za-z\x{00C0}-\x{024F}\x{0400}-\x{04FF}]`)
)

// CleanText strips emoji, control characters, links and markdown emphasis,
// then collapses whitespace.
func CleanText(s string) string {
	if s == "" {
		return ""
	}
	s = emojiPattern.ReplaceAllString(s, "")
	s = controlPattern.ReplaceAllString(s, "")
	s = linkPattern.ReplaceAllString(s, "")
	s = markupPattern.ReplaceAllString(s, " ")
	s = whitespacePattern.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// HasLetters reports whether s contains at least one Latin or Cyrillic letter.
// Scraped occupations without letters are treated as noise.
func HasLetters(s string) bool {
	return letterPattern.MatchString(s)
}

// NormalizeProfileURL reduces a profile URL to scheme, host and path without
// trailing slashes. Unparseable input is returned trimmed.
func NormalizeProfileURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	u, err := url.Parse(withScheme(raw))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return raw
	}
	return strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host) + strings.TrimRight(u.EscapedPath(), "/")
}

// withScheme prefixes https:// onto host-first input such as
// www.linkedin.com/in/jane. Anything else is returned unchanged.
func withScheme(raw string) string {
	if strings.Contains(raw, "://") || strings.ContainsAny(raw, " \t") {
		return raw
	}
	rest := strings.TrimPrefix(raw, "//")
	host, _, _ := strings.Cut(rest, "/")
	if !strings.Contains(host, ".") || strings.Contains(host, ":") {
		return raw
	}
	return "https://" + rest
}

// Truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

func utf8RuneStart(b byte) bool {
	return b&0xC0 != 0x80
}
