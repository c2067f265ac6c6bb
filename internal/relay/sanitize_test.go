package relay

import (
	"strings"
	"testing"

	"joinbot/internal/transport/telegram"
)

func TestSanitize(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want string
	}{
		{in: "plain name", want: "plain name"},
		{in: "**bold**", want: `\*\*bold\*\*`},
		{in: "_x_ ~y~ `z` |w| >q", want: "\\_x\\_ \\~y\\~ \\`z\\` \\|w\\| \\>q"},
		{in: `back\slash`, want: `back\\slash`},
		{in: "@everyone", want: "@\u200beveryone"},
		{in: "@here now", want: "@\u200bhere now"},
		{in: "@alice", want: "@\u200balice"},
		{in: "hi @group_admins", want: "hi @\u200bgroup\\_admins"},
		{in: "mail a@b and @ alone", want: "mail a@\u200bb and @ alone"},
		{in: "<@123>", want: "<\u200b@\u200b123\\>"},
		{in: "<@&456>", want: "<\u200b@&456\\>"},
		{in: "<#789>", want: "<\u200b#789\\>"},
	}
	for _, tt := range tests {
		if got := Sanitize(tt.in); got != tt.want {
			t.Fatalf("Sanitize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSanitizeSurvivesTelegramRender(t *testing.T) {
	t.Parallel()
	for _, in := range []string{"@alice", "hi @group_admins", "@everyone", "<@123>", "**[ZMR] @Bob**"} {
		out := telegram.Render(Sanitize(in), nil)
		if strings.Contains(out, "<a ") || strings.Contains(out, "<b>") {
			t.Fatalf("Render(Sanitize(%q)) = %q, still formats", in, out)
		}
		for i := 0; i < len(out)-1; i++ {
			if out[i] == '@' && isUsernameByte(out[i+1]) {
				t.Fatalf("Render(Sanitize(%q)) = %q, mention reaches chat", in, out)
			}
		}
	}
}
