package notify

import (
	"context"
	"errors"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// ErrNoToken is returned when the Telegram token is missing.
var ErrNoToken = errors.New("telegram token is not configured")

// TelegramSender sends plain-text messages through the Bot API.
type TelegramSender struct {
	api *tgbotapi.BotAPI
}

// NewTelegramSender authenticates the bot token.
func NewTelegramSender(token string) (*TelegramSender, error) {
	if token == "" {
		return nil, ErrNoToken
	}
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}
	return &TelegramSender{api: api}, nil
}

// NewTelegramSenderWithAPI wraps an existing client, for example one pointed at a test server.
func NewTelegramSenderWithAPI(api *tgbotapi.BotAPI) *TelegramSender {
	return &TelegramSender{api: api}
}

func (s *TelegramSender) Send(ctx context.Context, chatID int64, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := tgbotapi.NewMessage(chatID, text)
	msg.DisableWebPagePreview = true
	if _, err := s.api.Send(msg); err != nil {
		return fmt.Errorf("telegram send to %d: %w", chatID, err)
	}
	return nil
}

// Username is the bot's account name.
func (s *TelegramSender) Username() string {
	return s.api.Self.UserName
}
