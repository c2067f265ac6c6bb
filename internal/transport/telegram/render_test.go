package telegram

import (
	"reflect"
	"strings"
	"testing"

	"joinbot/internal/notifier"
)

type stubResolver struct {
	labels map[int64]string
	roles  map[string][]int64
}

func (s stubResolver) UserLabel(id int64) string { return s.labels[id] }

func (s stubResolver) RoleMembers(role string) ([]int64, string) {
	return s.roles[role], "Ping"
}

func TestRender(t *testing.T) {
	res := stubResolver{
		labels: map[int64]string{42: "Ann & co"},
		roles:  map[string][]int64{"ping": {42, 7}},
	}
	cases := []struct {
		in, want string
	}{
		{"plain & <text>", "plain &amp; &lt;text&gt;"},
		{"**bold** and *it*", "<b>bold</b> and <i>it</i>"},
		{`\*not\* \\`, `*not* \`},
		{"**open", "<b>open</b>"},
		{"**a *b** c*", "<b>a <i>b</i></b><i> c</i>"},
		{"<@42> hi", `<a href="tg://user?id=42">Ann &amp; co</a> hi`},
		{"<@&ping>", `<a href="tg://user?id=42">Ann &amp; co</a> <a href="tg://user?id=7">member</a>`},
		{"<@&nobody> x", "@Ping x"},
		{"<@abc>", "&lt;@abc&gt;"},
		{"<\u200b@42>", "&lt;\u200b@42&gt;"},
		{"trailing \\", "trailing \\"},
		{"héllo *wörld*", "héllo <i>wörld</i>"},
	}
	for _, tc := range cases {
		if got := Render(tc.in, res); got != tc.want {
			t.Errorf("Render(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestRenderNilResolver(t *testing.T) {
	if got := Render("<@&ping> <@1>", nil); got != `@ping <a href="tg://user?id=1">member</a>` {
		t.Fatalf("got %q", got)
	}
}

func TestRenderEmbed(t *testing.T) {
	e := notifier.Embed{
		Content:     "<@&ping> **Ann** wants you to join!",
		Title:       "My Server",
		Description: "steam://connect/1.2.3.4:27015",
		Fields:      []notifier.Field{{Name: "Raid", Value: "2 hours"}},
	}
	got := RenderEmbed(e, stubResolver{})
	want := "@Ping <b>Ann</b> wants you to join!\n\n<b>My Server</b>\n\nsteam://connect/1.2.3.4:27015\n\n<b>Raid</b>\n2 hours"
	if got != want {
		t.Fatalf("got %q\nwant %q", got, want)
	}
}

func TestSplitText(t *testing.T) {
	if got := splitText("short", 10); !reflect.DeepEqual(got, []string{"short"}) {
		t.Fatalf("got %q", got)
	}
	if got := splitText(strings.Repeat("a", 10), 4); !reflect.DeepEqual(got, []string{"aaaa", "aaaa", "aa"}) {
		t.Fatalf("got %q", got)
	}
	if got := splitText("hello <b>world</b>", 8); !reflect.DeepEqual(got, []string{"hello ", "<b>world", "</b>"}) {
		t.Fatalf("got %q", got)
	}
	if got := splitText("line one\nline two", 12); !reflect.DeepEqual(got, []string{"line one", "line two"}) {
		t.Fatalf("got %q", got)
	}
}
