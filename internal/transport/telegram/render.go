package telegram

import (
	"html"
	"strconv"
	"strings"
	"unicode/utf8"

	"joinbot/internal/notifier"
)

// Resolver expands mention tokens while rendering.
type Resolver interface {
	// UserLabel returns the visible label for a member id.
	UserLabel(id int64) string
	// RoleMembers returns the member ids holding role; label is shown when it is empty.
	RoleMembers(role string) (ids []int64, label string)
}

type tag string

const (
	tagBold   tag = "b"
	tagItalic tag = "i"
)

// renderer turns the notifier markup into Telegram HTML.
type renderer struct {
	res   Resolver
	b     strings.Builder
	stack []tag
}

// Render converts notifier markup to Telegram HTML.
func Render(text string, res Resolver) string {
	r := renderer{res: res}
	r.run(text)
	return r.b.String()
}

func (r *renderer) run(s string) {
	for i := 0; i < len(s); {
		switch {
		case s[i] == '\\' && i+1 < len(s):
			_, n := utf8.DecodeRuneInString(s[i+1:])
			r.b.WriteString(html.EscapeString(s[i+1 : i+1+n]))
			i += 1 + n
		case strings.HasPrefix(s[i:], "**"):
			r.toggle(tagBold)
			i += 2
		case s[i] == '*':
			r.toggle(tagItalic)
			i++
		case strings.HasPrefix(s[i:], "<@"):
			if n := r.mention(s[i:]); n > 0 {
				i += n
				continue
			}
			r.b.WriteString("&lt;")
			i++
		default:
			_, n := utf8.DecodeRuneInString(s[i:])
			r.b.WriteString(html.EscapeString(s[i : i+n]))
			i += n
		}
	}
	for j := len(r.stack) - 1; j >= 0; j-- {
		r.b.WriteString("</" + string(r.stack[j]) + ">")
	}
	r.stack = nil
}

// toggle opens t, or closes it and reopens anything nested inside so the output stays well formed.
func (r *renderer) toggle(t tag) {
	at := -1
	for j := len(r.stack) - 1; j >= 0; j-- {
		if r.stack[j] == t {
			at = j
			break
		}
	}
	if at < 0 {
		r.stack = append(r.stack, t)
		r.b.WriteString("<" + string(t) + ">")
		return
	}
	inner := append([]tag(nil), r.stack[at+1:]...)
	for j := len(r.stack) - 1; j >= at; j-- {
		r.b.WriteString("</" + string(r.stack[j]) + ">")
	}
	r.stack = r.stack[:at]
	for _, t := range inner {
		r.stack = append(r.stack, t)
		r.b.WriteString("<" + string(t) + ">")
	}
}

// mention consumes a <@id> or <@&role> token and returns its length, or 0 when s is not one.
func (r *renderer) mention(s string) int {
	end := strings.IndexByte(s, '>')
	if end < 0 {
		return 0
	}
	body := s[2:end]
	if role, ok := strings.CutPrefix(body, "&"); ok {
		if role == "" || strings.ContainsAny(role, " <") {
			return 0
		}
		r.writeRole(role)
		return end + 1
	}
	id, err := strconv.ParseInt(body, 10, 64)
	if err != nil || id <= 0 {
		return 0
	}
	r.writeUser(id)
	return end + 1
}

func (r *renderer) writeUser(id int64) {
	label := ""
	if r.res != nil {
		label = r.res.UserLabel(id)
	}
	if label == "" {
		label = "member"
	}
	r.b.WriteString(`<a href="tg://user?id=` + strconv.FormatInt(id, 10) + `">` + html.EscapeString(label) + `</a>`)
}

func (r *renderer) writeRole(role string) {
	var (
		ids   []int64
		label string
	)
	if r.res != nil {
		ids, label = r.res.RoleMembers(role)
	}
	if len(ids) == 0 {
		if label == "" {
			label = role
		}
		r.b.WriteString("@" + html.EscapeString(label))
		return
	}
	for i, id := range ids {
		if i > 0 {
			r.b.WriteByte(' ')
		}
		r.writeUser(id)
	}
}

// RenderEmbed lays an embed out as one HTML message: content, bold title, description, then fields.
func RenderEmbed(e notifier.Embed, res Resolver) string {
	parts := make([]string, 0, 3+2*len(e.Fields))
	if e.Content != "" {
		parts = append(parts, Render(e.Content, res))
	}
	if e.Title != "" {
		parts = append(parts, "<b>"+Render(e.Title, res)+"</b>")
	}
	if e.Description != "" {
		parts = append(parts, Render(e.Description, res))
	}
	for _, f := range e.Fields {
		parts = append(parts, "<b>"+Render(f.Name, res)+"</b>\n"+Render(f.Value, res))
	}
	return strings.Join(parts, "\n\n")
}
