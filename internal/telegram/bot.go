package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mtzanidakis/conclave/internal/compiler"
	"github.com/mtzanidakis/conclave/internal/config"
	"github.com/mtzanidakis/conclave/internal/protocol"
	"github.com/mymmrac/telego"
	th "github.com/mymmrac/telego/telegohandler"
	tu "github.com/mymmrac/telego/telegoutil"
)

// Runner starts protocol runs on behalf of chat commands.
type Runner interface {
	Start(ctx context.Context, req protocol.Request) (string, error)
	Cancel(runID string) bool
	Active() []string
}

// Bot reports finished runs to the configured chat and accepts /run,
// /cancel and /status commands from it.
type Bot struct {
	bot     *telego.Bot
	handler *th.BotHandler
	runner  Runner
	cfg     config.TelegramConfig
	cancel  context.CancelFunc
}

func NewBot(cfg config.TelegramConfig) (*Bot, error) {
	bot, err := telego.NewBot(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return &Bot{bot: bot, cfg: cfg}, nil
}

// SetRunner enables chat commands. The engine needs the bot as notifier, so
// the runner is attached after both exist.
func (b *Bot) SetRunner(r Runner) {
	b.runner = r
}

func (b *Bot) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	b.cancel = cancel

	updates, err := b.bot.UpdatesViaLongPolling(ctx, nil)
	if err != nil {
		cancel()
		return fmt.Errorf("start long polling: %w", err)
	}

	handler, err := th.NewBotHandler(b.bot, updates)
	if err != nil {
		cancel()
		return fmt.Errorf("create handler: %w", err)
	}
	b.handler = handler

	handler.HandleMessage(func(hctx *th.Context, message telego.Message) error {
		b.handleMessage(ctx, message)
		return nil
	})

	go handler.Start()

	<-ctx.Done()
	_ = handler.Stop()
	return nil
}

func (b *Bot) Stop() {
	if b.cancel != nil {
		b.cancel()
	}
	if b.handler != nil {
		_ = b.handler.Stop()
	}
}

func (b *Bot) handleMessage(ctx context.Context, msg telego.Message) {
	chatID := msg.Chat.ID
	if chatID != b.cfg.ChatID {
		slog.Warn("telegram message from unknown chat", "chat_id", chatID)
		return
	}
	if b.runner == nil {
		return
	}

	cmd, args, _ := strings.Cut(strings.TrimSpace(msg.Text), " ")
	cmd, _, _ = strings.Cut(cmd, "@")

	var reply string
	switch cmd {
	case "/run":
		req, err := parseRun(args)
		if err != nil {
			reply = err.Error()
			break
		}
		id, err := b.runner.Start(ctx, req)
		if err != nil {
			reply = "Cannot start run: " + err.Error()
			break
		}
		reply = fmt.Sprintf("Started %s run %s", req.Kind, id)
	case "/cancel":
		id := strings.TrimSpace(args)
		if b.runner.Cancel(id) {
			reply = "Cancelled run " + id
		} else {
			reply = "No active run " + id
		}
	case "/status":
		active := b.runner.Active()
		if len(active) == 0 {
			reply = "No active runs"
		} else {
			reply = "Active runs:\n" + strings.Join(active, "\n")
		}
	default:
		return
	}

	if err := b.SendMessage(ctx, chatID, reply); err != nil {
		slog.Error("failed to send telegram message", "chat", chatID, "error", err)
	}
}

// Notify sends the completion summary of a run to the configured chat.
func (b *Bot) Notify(ctx context.Context, a *compiler.Artifact, f *protocol.Failure) error {
	if a == nil && f == nil {
		return nil
	}
	return b.SendMessage(ctx, b.cfg.ChatID, formatResult(a, f))
}

func (b *Bot) SendMessage(ctx context.Context, chatID int64, text string) error {
	for _, chunk := range chunkMessage(text, maxMessageLen) {
		if _, err := b.bot.SendMessage(ctx, tu.Message(tu.ID(chatID), chunk)); err != nil {
			return fmt.Errorf("send message: %w", err)
		}
	}
	return nil
}
