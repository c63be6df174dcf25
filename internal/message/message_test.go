package message

import (
	"strings"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"argus/internal/pipeline"
)

func fixedFormatter() Formatter {
	at := time.Date(2024, time.March, 5, 14, 7, 0, 0, time.UTC)
	return Formatter{Now: func() time.Time { return at }}
}

func TestGenerateEmpty(t *testing.T) {
	assert.Equal(t, Placeholder, Generate(nil, "", ""))
	assert.Equal(t, Placeholder, Generate([]pipeline.Detection{}, "https://x", "Gate"))
}

func TestGenerateFullReport(t *testing.T) {
	dets := []pipeline.Detection{
		{ClassName: "smoke", Confidence: 0.5},
		{ClassName: "fire", Confidence: 0.912},
		{ClassName: "smoke", Confidence: 0.7},
	}

	got := fixedFormatter().Generate(dets, "", "North <Gate>")

	want := strings.Join([]string{
		"🚨🔴🚨 <b>FIRE DETECTED WITH CONFIDENCE 91.2%</b> 🚨🔴🚨",
		"",
		"🔥 <b>Top Detection:</b> fire",
		"📍 <b>Location:</b> North &lt;Gate&gt;",
		"⏰ <b>Time:</b> 05/03/2024 14:07",
		"🎯 <b>Confidence:</b> 91.2%",
		"<b>📌 Detection Summary:</b>",
		"",
		"• smoke: avg 60.0%, count 2",
		"• fire: avg 91.2%, count 1",
		"",
		"📹 <i>Video evidence processing...</i>",
	}, "\n")
	assert.Equal(t, want, got)
}

func TestGenerateMarkdownV2(t *testing.T) {
	f := fixedFormatter()
	f.ParseMode = tgbotapi.ModeMarkdownV2
	dets := []pipeline.Detection{{ClassName: "no-helmet", Confidence: 0.9}}

	got := f.Generate(dets, "https://example.com/a_(1).mp4", "Dock #2")

	want := strings.Join([]string{
		`🚨🔴🚨 *NO\-HELMET DETECTED WITH CONFIDENCE 90\.0%* 🚨🔴🚨`,
		"",
		`⚠️ *Top Detection:* no\-helmet`,
		`📍 *Location:* Dock \#2`,
		`⏰ *Time:* 05/03/2024 14:07`,
		`🎯 *Confidence:* 90\.0%`,
		`*📌 Detection Summary:*`,
		"",
		`• no\-helmet: avg 90\.0%, count 1`,
		"",
		`📹 [*► VIEW DETECTION EVIDENCE*](https://example.com/a_(1\).mp4)`,
	}, "\n")
	assert.Equal(t, want, got)
	assert.NotContains(t, got, "<b>")

	assert.Equal(t, `⚠️ *Video detections report\.*`, f.Placeholder())
	assert.Equal(t, Placeholder, Formatter{}.Placeholder())
}

func TestGenerateIsDeterministicForFixedClock(t *testing.T) {
	dets := []pipeline.Detection{{ClassName: "person", Confidence: 0.8}}
	f := fixedFormatter()
	assert.Equal(t, f.Generate(dets, "", ""), f.Generate(dets, "", ""))
}

func TestGenerateTopDetectionTieKeepsFirst(t *testing.T) {
	dets := []pipeline.Detection{
		{ClassName: "person", Confidence: 0.6},
		{ClassName: "fire", Confidence: 0.6},
	}
	got := fixedFormatter().Generate(dets, "", "")
	assert.True(t, strings.HasPrefix(got, "🚨🔴🚨 <b>PERSON DETECTED"), got)
	assert.Contains(t, got, "🧍 <b>Top Detection:</b> person")
}

func TestGenerateMediaLink(t *testing.T) {
	dets := []pipeline.Detection{{ClassName: "crack", Confidence: 0.4}}
	got := fixedFormatter().Generate(dets, "https://example.com/v?a=1&b='2'", "")

	assert.Contains(t, got, "⚠️ <b>Top Detection:</b> crack")
	assert.Contains(t, got, "<a href='https://example.com/v?a=1&amp;b=&#39;2&#39;'><b>► VIEW DETECTION EVIDENCE</b></a>")
	assert.NotContains(t, got, "Location")
	assert.NotContains(t, got, "processing")
}

func TestPercent(t *testing.T) {
	assert.InDelta(t, 87.0, Percent(0.87), 1e-4)
	assert.InDelta(t, 100.0, Percent(1), 1e-9)
	assert.InDelta(t, 87.0, Percent(87), 1e-9)
	assert.InDelta(t, 0.0, Percent(0), 1e-9)
}

func TestGeneratePercentInput(t *testing.T) {
	dets := []pipeline.Detection{{ClassName: "fire", Confidence: 87}}
	got := fixedFormatter().Generate(dets, "", "")
	assert.Contains(t, got, "CONFIDENCE 87.0%")
}

func TestEscape(t *testing.T) {
	assert.Equal(t, "a &lt;b&gt; &amp; c", Escape(tgbotapi.ModeHTML, "a <b> & c"))
	assert.Equal(t, `no\-helmet \(x\)`, Escape(tgbotapi.ModeMarkdownV2, "no-helmet (x)"))
}

func TestEmojiAndCamelCase(t *testing.T) {
	assert.Equal(t, "🔥", Emoji("Fire"))
	assert.Equal(t, "⚠️", Emoji("pothole"))

	require.Equal(t, "noHelmet", ToCamelCase("no helmet"))
	assert.Equal(t, "noSafetyVest", ToCamelCase("No-Safety_vest"))
	assert.Equal(t, "", ToCamelCase("  "))
}
