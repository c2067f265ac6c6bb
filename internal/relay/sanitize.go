package relay

import "strings"

const zwsp = "\u200b"

var markdownEscaper = strings.NewReplacer(
	`\`, `\\`,
	`*`, `\*`,
	`_`, `\_`,
	`~`, `\~`,
	"`", "\\`",
	`|`, `\|`,
	`>`, `\>`,
)

var tokenBreaker = strings.NewReplacer(
	"<@", "<"+zwsp+"@",
	"<#", "<"+zwsp+"#",
)

// Sanitize makes caller-supplied text inert: markdown is escaped and mention syntax is
// broken with a zero-width space so it can neither format nor ping.
func Sanitize(s string) string {
	return breakAtMentions(tokenBreaker.Replace(markdownEscaper.Replace(s)))
}

// breakAtMentions separates every '@' from a following username character, which covers
// @username, @everyone and @here.
func breakAtMentions(s string) string {
	if !strings.Contains(s, "@") {
		return s
	}
	var b strings.Builder
	b.Grow(len(s) + 8)
	for i := 0; i < len(s); i++ {
		b.WriteByte(s[i])
		if s[i] == '@' && i+1 < len(s) && isUsernameByte(s[i+1]) {
			b.WriteString(zwsp)
		}
	}
	return b.String()
}

func isUsernameByte(c byte) bool {
	return c == '_' || c >= '0' && c <= '9' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
}
