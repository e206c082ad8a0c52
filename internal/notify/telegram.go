package notify

import (
	"fmt"
	"sync"

	"github.com/auroraphtgrp01/go-dump-postgres/internal/logger"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

const telegramQueueSize = 50

// Telegram posts event summaries to a chat.
type Telegram struct {
	bot    *tgbotapi.BotAPI
	chatID int64

	queue    chan Event
	stopOnce sync.Once
	stopChan chan struct{}
	wg       sync.WaitGroup
}

func NewTelegram(token string, chatID int64) (*Telegram, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}
	return newTelegram(bot, chatID), nil
}

func newTelegram(bot *tgbotapi.BotAPI, chatID int64) *Telegram {
	t := &Telegram{
		bot:      bot,
		chatID:   chatID,
		queue:    make(chan Event, telegramQueueSize),
		stopChan: make(chan struct{}),
	}
	t.wg.Add(1)
	go t.worker()
	logger.Log.Info("Telegram notifier initialized.", zap.Int64("chatId", chatID))
	return t
}

func (t *Telegram) Notify(e Event) {
	select {
	case t.queue <- e:
	default:
		logger.Log.Warn("Telegram queue full. Dropping notification.", zap.Int64("profileId", e.ProfileID))
	}
}

func (t *Telegram) worker() {
	defer t.wg.Done()
	for {
		select {
		case e := <-t.queue:
			t.send(e)
		case <-t.stopChan:
			for {
				select {
				case e := <-t.queue:
					t.send(e)
				default:
					return
				}
			}
		}
	}
}

func (t *Telegram) send(e Event) {
	icon := "✅"
	if !e.Success {
		icon = "❌"
	}
	text := fmt.Sprintf("%s %s", icon, e.Summary())
	if e.Link != "" {
		text += "\n" + e.Link
	}
	if _, err := t.bot.Send(tgbotapi.NewMessage(t.chatID, text)); err != nil {
		logger.Log.Warn("Failed to send telegram notification", zap.Int64("profileId", e.ProfileID), zap.Error(err))
	}
}

// Stop drains queued events and stops the worker.
func (t *Telegram) Stop() {
	t.stopOnce.Do(func() { close(t.stopChan) })
	t.wg.Wait()
}
