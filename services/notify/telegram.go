// Copyright (C) 2025 Swarmgate Labs (dev@swarmgate.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package notify delivers operator notifications. Delivery is strictly
// best-effort: a failed send is logged, never propagated, so no control
// path depends on the messaging provider being up.
package notify

import (
	"log/slog"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Sink receives operator-facing notifications.
type Sink interface {
	Send(text string)
}

// Telegram sends notifications to a fixed chat.
type Telegram struct {
	bot    *tgbotapi.BotAPI
	chatID int64
	logger *slog.Logger
}

// NewTelegram connects the bot. An invalid token returns an error so
// misconfiguration is caught at startup, not at first alert.
func NewTelegram(token string, chatID int64, logger *slog.Logger) (*Telegram, error) {
	if logger == nil {
		logger = slog.Default()
	}
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, err
	}
	return &Telegram{
		bot:    bot,
		chatID: chatID,
		logger: logger.With(slog.String("component", "notify")),
	}, nil
}

// Send delivers text to the configured chat. Failures are logged and
// swallowed.
func (t *Telegram) Send(text string) {
	msg := tgbotapi.NewMessage(t.chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdown
	if _, err := t.bot.Send(msg); err != nil {
		t.logger.Warn("notification dropped", slog.String("error", err.Error()))
	}
}

// Nop is a Sink that discards everything. Used when no provider is
// configured.
type Nop struct{}

func (Nop) Send(string) {}
