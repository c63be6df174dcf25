// Package message renders detection lists into Telegram captions.
package message

import (
	"fmt"
	"html"
	"strings"
	"time"
	"unicode"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"argus/internal/pipeline"
)

// Placeholder is the HTML caption for an empty detection list.
const Placeholder = "⚠️ <b>Video detections report.</b>"

const timeLayout = "02/01/2006 15:04"

var classEmoji = map[string]string{
	"fire":   "🔥",
	"smoke":  "💨",
	"person": "🧍",
}

// Formatter builds captions. Now defaults to time.Now and ParseMode to
// tgbotapi.ModeHTML; markup and escaping follow ParseMode.
type Formatter struct {
	Now       func() time.Time
	ParseMode string
}

var defaultFormatter = Formatter{}

// Generate renders detections with the default formatter.
func Generate(detections []pipeline.Detection, mediaURL, location string) string {
	return defaultFormatter.Generate(detections, mediaURL, location)
}

// Placeholder returns the empty-list caption for the formatter's parse mode.
func (f Formatter) Placeholder() string {
	return "⚠️ " + f.bold("Video detections report.")
}

// Generate renders the caption: headline, top detection block, per-class
// summary and a media link line. Only the time line depends on the clock.
func (f Formatter) Generate(detections []pipeline.Detection, mediaURL, location string) string {
	if len(detections) == 0 {
		return f.Placeholder()
	}

	top := detections[0]
	for _, d := range detections[1:] {
		if d.Confidence > top.Confidence {
			top = d
		}
	}

	now := time.Now
	if f.Now != nil {
		now = f.Now
	}

	parts := []string{
		f.headline(top),
		"",
		f.detailBlock(top, location, now()),
		f.summary(detections),
		f.mediaLine(mediaURL),
	}
	return strings.Join(parts, "\n")
}

// Percent normalizes a confidence to a 0-100 scale. Values above 1 are
// assumed to be percentages already.
func Percent(confidence float32) float64 {
	c := float64(confidence)
	if c <= 1 {
		return c * 100
	}
	return c
}

func (f Formatter) mode() string {
	if f.ParseMode == "" {
		return tgbotapi.ModeHTML
	}
	return f.ParseMode
}

func (f Formatter) esc(text string) string {
	return Escape(f.mode(), text)
}

// bold and italic take plain text and escape it
func (f Formatter) bold(text string) string {
	switch f.mode() {
	case tgbotapi.ModeHTML:
		return "<b>" + f.esc(text) + "</b>"
	default:
		return "*" + f.esc(text) + "*"
	}
}

func (f Formatter) italic(text string) string {
	switch f.mode() {
	case tgbotapi.ModeHTML:
		return "<i>" + f.esc(text) + "</i>"
	default:
		return "_" + f.esc(text) + "_"
	}
}

// markdownURL escapes the characters MarkdownV2 reserves inside (...)
var markdownURL = strings.NewReplacer(`\`, `\\`, `)`, `\)`)

func (f Formatter) link(label, url string) string {
	switch f.mode() {
	case tgbotapi.ModeHTML:
		return fmt.Sprintf("<a href='%s'>%s</a>", html.EscapeString(url), label)
	case tgbotapi.ModeMarkdownV2:
		return "[" + label + "](" + markdownURL.Replace(url) + ")"
	default:
		// legacy Markdown has no entity nesting
		return "[► VIEW DETECTION EVIDENCE](" + url + ")"
	}
}

func (f Formatter) percent(v float64) string {
	return f.esc(fmt.Sprintf("%.1f%%", v))
}

func (f Formatter) headline(top pipeline.Detection) string {
	return "🚨🔴🚨 " + f.bold(fmt.Sprintf("%s DETECTED WITH CONFIDENCE %.1f%%",
		strings.ToUpper(top.ClassName), Percent(top.Confidence))) + " 🚨🔴🚨"
}

func (f Formatter) detailBlock(top pipeline.Detection, location string, at time.Time) string {
	lines := []string{Emoji(top.ClassName) + " " + f.bold("Top Detection:") + " " + f.esc(top.ClassName)}
	if location != "" {
		lines = append(lines, "📍 "+f.bold("Location:")+" "+f.esc(location))
	}
	lines = append(lines,
		"⏰ "+f.bold("Time:")+" "+f.esc(at.Format(timeLayout)),
		"🎯 "+f.bold("Confidence:")+" "+f.percent(Percent(top.Confidence)),
	)
	return strings.Join(lines, "\n")
}

type classStats struct {
	name  string
	total float64
	count int
}

func (f Formatter) summary(detections []pipeline.Detection) string {
	var order []*classStats
	byName := make(map[string]*classStats)
	for _, d := range detections {
		s, ok := byName[d.ClassName]
		if !ok {
			s = &classStats{name: d.ClassName}
			byName[d.ClassName] = s
			order = append(order, s)
		}
		s.total += Percent(d.Confidence)
		s.count++
	}

	lines := make([]string, 0, len(order))
	for _, s := range order {
		lines = append(lines, f.esc(fmt.Sprintf("• %s: avg %.1f%%, count %d", s.name, s.total/float64(s.count), s.count)))
	}
	return f.bold("📌 Detection Summary:") + "\n\n" + strings.Join(lines, "\n")
}

func (f Formatter) mediaLine(mediaURL string) string {
	if mediaURL == "" {
		return "\n📹 " + f.italic("Video evidence processing...")
	}
	return "\n📹 " + f.link(f.bold("► VIEW DETECTION EVIDENCE"), mediaURL)
}

// Emoji returns the icon for a class name, ⚠️ when unknown.
func Emoji(className string) string {
	if e, ok := classEmoji[strings.ToLower(className)]; ok {
		return e
	}
	return "⚠️"
}

// Escape escapes text for the given Telegram parse mode (ModeHTML,
// ModeMarkdownV2 or ModeMarkdown).
func Escape(parseMode, text string) string {
	return tgbotapi.EscapeText(parseMode, text)
}

// ToCamelCase turns "no helmet" or "no-helmet" into "noHelmet".
func ToCamelCase(s string) string {
	words := strings.FieldsFunc(s, func(r rune) bool {
		return unicode.IsSpace(r) || r == '-' || r == '_'
	})
	if len(words) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString(strings.ToLower(words[0]))
	for _, w := range words[1:] {
		runes := []rune(strings.ToLower(w))
		runes[0] = unicode.ToUpper(runes[0])
		b.WriteString(string(runes))
	}
	return b.String()
}
