package tgui

import (
	"context"
	"strings"

	tele "gopkg.in/telebot.v4"

	"heraldbot/internal/transport"
)

// Message is a rendered UI payload: text plus send options, built once
// so handlers don't repeat ParseMode/preview/markup boilerplate.
type Message struct {
	Text string
	Opt  *transport.SendOptions
}

// Send sends the Message via the provided adapter.
func (m Message) Send(ctx context.Context, ad transport.Adapter, to transport.ChatTarget) (transport.MessageRef, error) {
	if m.Opt == nil {
		m.Opt = &transport.SendOptions{}
	}
	return ad.SendText(ctx, to, m.Text, m.Opt)
}

// Edit edits the message referred by ref in place.
func (m Message) Edit(ctx context.Context, ad transport.Adapter, ref transport.MessageRef) error {
	if m.Opt == nil {
		m.Opt = &transport.SendOptions{}
	}
	return ad.EditText(ctx, ref, m.Text, m.Opt)
}

// Builder assembles a message line by line.
// Default: ParseMode=HTML, DisablePreview=true.
type Builder struct {
	parseMode      string
	disablePreview bool
	rm             *tele.ReplyMarkup
	lines          []string
}

func New() *Builder {
	return &Builder{parseMode: "HTML", disablePreview: true}
}

// ParseMode overrides Telegram parse mode ("HTML", "Markdown", or empty).
func (b *Builder) ParseMode(mode string) *Builder {
	b.parseMode = strings.TrimSpace(mode)
	return b
}

func (b *Builder) DisablePreview(v bool) *Builder {
	b.disablePreview = v
	return b
}

// Inline attaches an inline keyboard.
func (b *Builder) Inline(kb *Inline) *Builder {
	if kb == nil {
		b.rm = nil
		return b
	}
	b.rm = kb.Markup()
	return b
}

// Title adds a bold title line. Emoji is optional.
func (b *Builder) Title(emoji, title string) *Builder {
	e := strings.TrimSpace(emoji)
	t := strings.TrimSpace(title)
	if t == "" {
		return b
	}
	line := B(t).String()
	if !strings.EqualFold(b.parseMode, "HTML") {
		line = t
	}
	if e != "" {
		line = e + " " + line
	}
	b.lines = append(b.lines, line)
	return b
}

// Line adds a single line, escaping when ParseMode is HTML.
func (b *Builder) Line(s string) *Builder {
	if strings.TrimSpace(s) == "" {
		b.lines = append(b.lines, "")
		return b
	}
	if strings.EqualFold(b.parseMode, "HTML") {
		b.lines = append(b.lines, Esc(s).String())
	} else {
		b.lines = append(b.lines, s)
	}
	return b
}

// RawLine appends a line without escaping.
func (b *Builder) RawLine(s string) *Builder {
	b.lines = append(b.lines, s)
	return b
}

// Blank inserts an empty line.
func (b *Builder) Blank() *Builder { return b.Line("") }

// KV adds a bullet "key: value" row.
func (b *Builder) KV(key, value string) *Builder {
	key = strings.TrimSpace(key)
	value = strings.TrimSpace(value)
	if key == "" {
		return b
	}
	if strings.EqualFold(b.parseMode, "HTML") {
		b.lines = append(b.lines, "• "+B(key).String()+": "+Esc(value).String())
		return b
	}
	if value == "" {
		b.lines = append(b.lines, "• "+key)
	} else {
		b.lines = append(b.lines, "• "+key+": "+value)
	}
	return b
}

// Build produces a ready-to-send Message.
func (b *Builder) Build() Message {
	text := strings.Trim(strings.Join(b.lines, "\n"), "\n")
	opt := &transport.SendOptions{ParseMode: b.parseMode, DisablePreview: b.disablePreview}
	if b.rm != nil {
		opt.ReplyMarkupAdapter = b.rm
	}
	return Message{Text: text, Opt: opt}
}
