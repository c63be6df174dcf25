package telegram

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Placeholder values shipped in sample configuration files
const (
	PlaceholderBotToken = "YOUR_TELEGRAM_BOT_TOKEN_HERE"
	PlaceholderChatID   = "YOUR_DEFAULT_CHAT_ID_HERE"
)

// Default request timeouts
const (
	DefaultMediaTimeout = 30 * time.Second
	DefaultTextTimeout  = 15 * time.Second
)

// ErrNotConfigured is returned when the bot token or chat ID is missing
var ErrNotConfigured = errors.New("telegram bot is not configured")

// TelegramBot sends alerts to a single chat
type TelegramBot struct {
	api       *tgbotapi.BotAPI
	chatID    int64
	channel   string // @username target, used instead of chatID when set
	parseMode string
}

// Config holds Telegram bot configuration
type Config struct {
	BotToken     string
	ChatID       string // numeric chat ID or @channelusername
	ParseMode    string // HTML (default), MarkdownV2 or Markdown
	APIEndpoint  string // Bot API URL pattern, tgbotapi.APIEndpoint when empty
	MediaTimeout time.Duration
	TextTimeout  time.Duration
}

// NewTelegramBot validates config and connects to the Bot API. The bot
// identity is fetched during construction so bad tokens fail here.
func NewTelegramBot(config Config) (*TelegramBot, error) {
	if err := ValidateConfig(config); err != nil {
		return nil, err
	}
	if config.ParseMode == "" {
		config.ParseMode = tgbotapi.ModeHTML
	}
	if config.APIEndpoint == "" {
		config.APIEndpoint = tgbotapi.APIEndpoint
	}
	if config.MediaTimeout <= 0 {
		config.MediaTimeout = DefaultMediaTimeout
	}
	if config.TextTimeout <= 0 {
		config.TextTimeout = DefaultTextTimeout
	}

	client := &timeoutClient{
		client: &http.Client{},
		media:  config.MediaTimeout,
		text:   config.TextTimeout,
	}
	api, err := tgbotapi.NewBotAPIWithClient(config.BotToken, config.APIEndpoint, client)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to telegram: %w", err)
	}

	tb := &TelegramBot{api: api, parseMode: config.ParseMode}
	if strings.HasPrefix(config.ChatID, "@") {
		tb.channel = config.ChatID
	} else {
		tb.chatID, _ = strconv.ParseInt(config.ChatID, 10, 64)
	}
	return tb, nil
}

// Username returns the bot's username as reported by getMe
func (tb *TelegramBot) Username() string {
	return tb.api.Self.UserName
}

// ParseMode returns the parse mode applied to captions and messages
func (tb *TelegramBot) ParseMode() string {
	return tb.parseMode
}

// SendMessage sends a text message and returns its message ID
func (tb *TelegramBot) SendMessage(text string) (int, error) {
	var msg tgbotapi.MessageConfig
	if tb.channel != "" {
		msg = tgbotapi.NewMessageToChannel(tb.channel, text)
	} else {
		msg = tgbotapi.NewMessage(tb.chatID, text)
	}
	msg.ParseMode = tb.parseMode
	return tb.send(msg, "sendMessage")
}

// SendPhoto uploads the image at path with a caption
func (tb *TelegramBot) SendPhoto(path, caption string) (int, error) {
	photo := tgbotapi.NewPhoto(tb.chatID, tgbotapi.FilePath(path))
	photo.ChannelUsername = tb.channel
	photo.Caption = caption
	photo.ParseMode = tb.parseMode
	return tb.send(photo, "sendPhoto")
}

// SendVideo uploads the clip at path with a caption
func (tb *TelegramBot) SendVideo(path, caption string) (int, error) {
	video := tgbotapi.NewVideo(tb.chatID, tgbotapi.FilePath(path))
	video.ChannelUsername = tb.channel
	video.Caption = caption
	video.ParseMode = tb.parseMode
	video.SupportsStreaming = true
	return tb.send(video, "sendVideo")
}

func (tb *TelegramBot) send(c tgbotapi.Chattable, method string) (int, error) {
	msg, err := tb.api.Send(c)
	if err != nil {
		return 0, fmt.Errorf("telegram %s failed: %w", method, err)
	}
	return msg.MessageID, nil
}

// ValidateConfig validates the Telegram bot configuration
func ValidateConfig(config Config) error {
	token := strings.TrimSpace(config.BotToken)
	if token == "" || token == PlaceholderBotToken {
		return fmt.Errorf("%w: bot token is required", ErrNotConfigured)
	}

	chatID := strings.TrimSpace(config.ChatID)
	if chatID == "" || chatID == PlaceholderChatID {
		return fmt.Errorf("%w: chat ID is required", ErrNotConfigured)
	}
	if !strings.HasPrefix(chatID, "@") {
		if _, err := strconv.ParseInt(chatID, 10, 64); err != nil {
			return fmt.Errorf("chat ID %q must be numeric or an @channel username", chatID)
		}
	}

	switch config.ParseMode {
	case "", tgbotapi.ModeHTML, tgbotapi.ModeMarkdownV2, tgbotapi.ModeMarkdown:
	default:
		return fmt.Errorf("unsupported parse mode %q", config.ParseMode)
	}

	if config.MediaTimeout < 0 || config.TextTimeout < 0 {
		return fmt.Errorf("timeouts cannot be negative")
	}

	return nil
}
