// Package notify is the engine's Telegram adapter: an out-of-core
// subscriber to the event bus that turns exit/reconcile events into chat
// messages. API shape (token+chatID from env, tgbotapi.NewBotAPI) follows
// the teacher's TelegramBot (bot/telegram.go); this version drops the
// command loop and stats provider since this engine is headless and has
// no paused/resumed bot state to query interactively.
package notify

import (
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"

	"github.com/justtrades/engine/internal/eventbus"
	"github.com/justtrades/engine/internal/model"
	"github.com/justtrades/engine/internal/reconciler"
)

// Telegram subscribes to the bus and forwards a subset of topics to a
// single chat. A nil api means the bot is disabled (no token configured)
// and every send becomes a no-op — components always have a
// notifier to call, whether or not Telegram is actually wired.
type Telegram struct {
	api    *tgbotapi.BotAPI
	chatID int64
}

func NewTelegram(token string, chatID int64) (*Telegram, error) {
	if token == "" {
		log.Info().Msg("🤖 Telegram disabled (no TELEGRAM_BOT_TOKEN)")
		return &Telegram{}, nil
	}
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}
	log.Info().Str("username", api.Self.UserName).Msg("🤖 Telegram bot initialized")
	return &Telegram{api: api, chatID: chatID}, nil
}

// Subscribe wires the adapter to the bus's exit/reconcile topics. Each
// topic runs its own goroutine draining its own channel, matching the
// bus's one-channel-per-subscriber model.
func (t *Telegram) Subscribe(bus *eventbus.Bus) {
	go t.drain(bus.Subscribe(eventbus.TopicExitStarted), t.onExitStarted)
	go t.drain(bus.Subscribe(eventbus.TopicExitKilled), t.onExitKilled)
	go t.drain(bus.Subscribe(eventbus.TopicReconcileAction), t.onReconcileAction)
	go t.drain(bus.Subscribe(eventbus.TopicSignalRejected), t.onSignalRejected)
}

func (t *Telegram) drain(ch <-chan eventbus.Event, handle func(eventbus.Event)) {
	for evt := range ch {
		handle(evt)
	}
}

func (t *Telegram) onExitStarted(evt eventbus.Event) {
	state, ok := evt.Payload.(model.ExitState)
	if !ok {
		return
	}
	t.send(fmt.Sprintf("🚪 exiting %s/%s (%s)", state.TraderID, state.Ticker, state.Reason))
}

func (t *Telegram) onExitKilled(evt eventbus.Event) {
	state, ok := evt.Payload.(model.ExitState)
	if !ok {
		return
	}
	t.send(fmt.Sprintf("🔪 KILL SWITCH: %s/%s did not confirm flat in time", state.TraderID, state.Ticker))
}

func (t *Telegram) onReconcileAction(evt eventbus.Event) {
	action, ok := evt.Payload.(reconciler.Action)
	if !ok || action.Kind == "in_sync" {
		return
	}
	t.send(fmt.Sprintf("⚠️ reconcile %s/%s: %s — %s", action.RecorderID, action.Ticker, action.Kind, action.Detail))
}

func (t *Telegram) onSignalRejected(evt eventbus.Event) {
	sig, ok := evt.Payload.(model.Signal)
	if !ok {
		return
	}
	t.send(fmt.Sprintf("🚫 signal rejected for %s: %s", sig.RecorderID, sig.RejectReason))
}

func (t *Telegram) send(text string) {
	if t.api == nil {
		return
	}
	msg := tgbotapi.NewMessage(t.chatID, text)
	if _, err := t.api.Send(msg); err != nil {
		log.Error().Err(err).Msg("telegram: send failed")
	}
}
