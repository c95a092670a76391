package dispatch

import (
	"strings"

	"github.com/forPelevin/gomoji"
	"github.com/rivo/uniseg"
)

const previewMaxGraphemes = 80

// Preview condenses a message body into a short audit-log line: emoji are
// stripped, whitespace collapsed, and the result truncated on grapheme
// boundaries so multi-byte text never gets cut mid-cluster.
func Preview(body string, max int) string {
	if gomoji.ContainsEmoji(body) {
		body = gomoji.RemoveEmojis(body)
	}
	body = strings.Join(strings.Fields(body), " ")

	if uniseg.GraphemeClusterCount(body) <= max {
		return body
	}

	var b strings.Builder
	g := uniseg.NewGraphemes(body)
	for i := 0; i < max && g.Next(); i++ {
		b.WriteString(g.Str())
	}
	return b.String() + "..."
}
