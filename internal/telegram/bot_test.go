package telegram

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"argus/internal/message"
	"argus/internal/pipeline"
)

type apiCall struct {
	method    string
	chatID    string
	caption   string
	text      string
	parseMode string
	fileField string
	fileBody  string
}

// fakeBotAPI mimics the few Bot API methods the bot uses
type fakeBotAPI struct {
	mu       sync.Mutex
	calls    []apiCall
	failWith string
	delay    time.Duration
}

func (f *fakeBotAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	method := path.Base(r.URL.Path)
	call := apiCall{method: method}

	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		if err := r.ParseMultipartForm(8 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		for field, files := range r.MultipartForm.File {
			call.fileField = field
			fh, _ := files[0].Open()
			body, _ := io.ReadAll(fh)
			fh.Close()
			call.fileBody = string(body)
		}
	} else {
		_ = r.ParseForm()
	}
	call.chatID = r.FormValue("chat_id")
	call.caption = r.FormValue("caption")
	call.text = r.FormValue("text")
	call.parseMode = r.FormValue("parse_mode")

	f.mu.Lock()
	f.calls = append(f.calls, call)
	failWith, delay := f.failWith, f.delay
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if call.parseMode == tgbotapi.ModeMarkdownV2 {
		if reason := markdownV2Error(call.caption + call.text); reason != "" {
			fmt.Fprintf(w, `{"ok":false,"error_code":400,"description":%q}`, "Bad Request: can't parse entities: "+reason)
			return
		}
	}
	if method == "getMe" {
		fmt.Fprint(w, `{"ok":true,"result":{"id":7,"is_bot":true,"first_name":"Argus","username":"argus_bot"}}`)
		return
	}
	if delay > 0 {
		time.Sleep(delay)
	}
	if failWith != "" {
		fmt.Fprintf(w, `{"ok":false,"error_code":400,"description":%q}`, failWith)
		return
	}
	fmt.Fprint(w, `{"ok":true,"result":{"message_id":42,"date":1700000000,"chat":{"id":-100123,"type":"supergroup"}}}`)
}

// markdownV2Error reports the first MarkdownV2 syntax problem in s, or ""
func markdownV2Error(s string) string {
	rs := []rune(s)
	open := map[rune]bool{}
	for i := 0; i < len(rs); i++ {
		switch r := rs[i]; {
		case r == '\\':
			i++
		case r == '*' || r == '_' || r == '~':
			open[r] = !open[r]
		case r == '[':
		case r == ']':
			if i+1 < len(rs) && rs[i+1] == '(' {
				for i += 2; i < len(rs) && rs[i] != ')'; i++ {
					if rs[i] == '\\' {
						i++
					}
				}
				if i >= len(rs) {
					return "can't find end of URL"
				}
			}
		case strings.ContainsRune(">#+-=|{}.!()`", r):
			return fmt.Sprintf("character '%c' is reserved and must be escaped", r)
		}
	}
	for r, unclosed := range open {
		if unclosed {
			return fmt.Sprintf("can't find end of %c entity", r)
		}
	}
	return ""
}

func (f *fakeBotAPI) lastCall() apiCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1]
}

func newTestBot(t *testing.T, api *fakeBotAPI, chatID string) *TelegramBot {
	return newTestBotWithMode(t, api, chatID, "")
}

func newTestBotWithMode(t *testing.T, api *fakeBotAPI, chatID, parseMode string) *TelegramBot {
	t.Helper()
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)

	bot, err := NewTelegramBot(Config{
		BotToken:    "123:abc",
		ChatID:      chatID,
		ParseMode:   parseMode,
		APIEndpoint: srv.URL + "/bot%s/%s",
	})
	require.NoError(t, err)
	return bot
}

func TestNewTelegramBotFetchesIdentity(t *testing.T) {
	api := &fakeBotAPI{}
	bot := newTestBot(t, api, "-100123")
	assert.Equal(t, "argus_bot", bot.Username())
	assert.Equal(t, "HTML", bot.ParseMode())
	assert.Equal(t, "getMe", api.lastCall().method)
}

func TestSendPhotoUploadsWithCaption(t *testing.T) {
	api := &fakeBotAPI{}
	bot := newTestBot(t, api, "-100123")

	img := filepath.Join(t.TempDir(), "evidence.jpg")
	require.NoError(t, os.WriteFile(img, []byte("jpeg-bytes"), 0o644))

	id, err := bot.SendPhoto(img, "<b>FIRE</b>")
	require.NoError(t, err)
	assert.Equal(t, 42, id)

	call := api.lastCall()
	assert.Equal(t, "sendPhoto", call.method)
	assert.Equal(t, "-100123", call.chatID)
	assert.Equal(t, "<b>FIRE</b>", call.caption)
	assert.Equal(t, "HTML", call.parseMode)
	assert.Equal(t, "photo", call.fileField)
	assert.Equal(t, "jpeg-bytes", call.fileBody)
}

func TestMarkdownV2CaptionsAccepted(t *testing.T) {
	api := &fakeBotAPI{}
	bot := newTestBotWithMode(t, api, "-100123", tgbotapi.ModeMarkdownV2)

	img := filepath.Join(t.TempDir(), "evidence.jpg")
	require.NoError(t, os.WriteFile(img, []byte("jpeg-bytes"), 0o644))

	dets := []pipeline.Detection{
		{ClassName: "no-helmet", Confidence: 0.9},
		{ClassName: "no-vest", Confidence: 0.42},
	}
	f := message.Formatter{ParseMode: bot.ParseMode()}

	captions := []string{
		f.Generate(dets, "", "Gate (A-1)!"),
		f.Generate(dets, "https://example.com/clip_1.mp4?id=(7)", ""),
		f.Placeholder(),
	}
	for _, caption := range captions {
		_, err := bot.SendPhoto(img, caption)
		require.NoError(t, err, caption)
		assert.Equal(t, tgbotapi.ModeMarkdownV2, api.lastCall().parseMode)
	}
	assert.Contains(t, captions[0], `*NO\-HELMET DETECTED WITH CONFIDENCE 90\.0%*`)
	assert.Contains(t, captions[0], `Gate \(A\-1\)\!`)

	// an HTML caption is rejected under MarkdownV2
	_, err := bot.SendPhoto(img, message.Formatter{}.Generate(dets, "", ""))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "can't parse entities")
}

func TestSendVideoToChannel(t *testing.T) {
	api := &fakeBotAPI{}
	bot := newTestBot(t, api, "@argus_alerts")

	clip := filepath.Join(t.TempDir(), "clip.mp4")
	require.NoError(t, os.WriteFile(clip, []byte("mp4"), 0o644))

	_, err := bot.SendVideo(clip, "clip")
	require.NoError(t, err)

	call := api.lastCall()
	assert.Equal(t, "sendVideo", call.method)
	assert.Equal(t, "@argus_alerts", call.chatID)
	assert.Equal(t, "video", call.fileField)
}

func TestSendMessage(t *testing.T) {
	api := &fakeBotAPI{}
	bot := newTestBot(t, api, "55")

	_, err := bot.SendMessage("hello")
	require.NoError(t, err)

	call := api.lastCall()
	assert.Equal(t, "sendMessage", call.method)
	assert.Equal(t, "hello", call.text)
	assert.Equal(t, "55", call.chatID)
}

func TestSendReportsAPIError(t *testing.T) {
	api := &fakeBotAPI{}
	bot := newTestBot(t, api, "55")
	api.failWith = "Bad Request: chat not found"

	_, err := bot.SendMessage("hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chat not found")
}

func TestSendPhotoMissingFile(t *testing.T) {
	api := &fakeBotAPI{}
	bot := newTestBot(t, api, "55")

	_, err := bot.SendPhoto(filepath.Join(t.TempDir(), "missing.jpg"), "x")
	assert.Error(t, err)
}

func TestTextTimeout(t *testing.T) {
	api := &fakeBotAPI{}
	srv := httptest.NewServer(api)
	defer srv.Close()

	bot, err := NewTelegramBot(Config{
		BotToken:    "123:abc",
		ChatID:      "55",
		APIEndpoint: srv.URL + "/bot%s/%s",
		TextTimeout: 50 * time.Millisecond,
	})
	require.NoError(t, err)

	api.mu.Lock()
	api.delay = 500 * time.Millisecond
	api.mu.Unlock()

	start := time.Now()
	_, err = bot.SendMessage("slow")
	assert.Error(t, err)
	assert.Less(t, time.Since(start), 400*time.Millisecond)
}

func TestValidateConfig(t *testing.T) {
	cases := []struct {
		name    string
		cfg     Config
		wantErr bool
		notConf bool
	}{
		{"valid", Config{BotToken: "1:a", ChatID: "42"}, false, false},
		{"channel", Config{BotToken: "1:a", ChatID: "@alerts"}, false, false},
		{"empty token", Config{ChatID: "42"}, true, true},
		{"placeholder token", Config{BotToken: PlaceholderBotToken, ChatID: "42"}, true, true},
		{"placeholder chat", Config{BotToken: "1:a", ChatID: PlaceholderChatID}, true, true},
		{"empty chat", Config{BotToken: "1:a"}, true, true},
		{"bad chat", Config{BotToken: "1:a", ChatID: "alerts"}, true, false},
		{"bad parse mode", Config{BotToken: "1:a", ChatID: "42", ParseMode: "BBCode"}, true, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateConfig(tc.cfg)
			if !tc.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tc.notConf, errors.Is(err, ErrNotConfigured))
		})
	}
}

func TestNewTelegramBotRejectsPlaceholder(t *testing.T) {
	_, err := NewTelegramBot(Config{BotToken: PlaceholderBotToken, ChatID: PlaceholderChatID})
	assert.ErrorIs(t, err, ErrNotConfigured)
}
