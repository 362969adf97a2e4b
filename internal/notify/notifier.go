package notify

import (
	"context"
	"fmt"
	"log"
	"strings"

	tgbot "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"croupier_bot/internal/models"
)

type Notifier interface {
	Send(msg string)
	Sendf(format string, args ...any)
}

// PositionSource answers the /positions command.
type PositionSource interface {
	OpenPositions() []models.Position
}

// Telegram — пассивный нотифайер + обработка команды /positions.
type Telegram struct {
	bot    *tgbot.BotAPI
	chatID int64
	src    PositionSource
}

func NewTelegram(token string, chatID int64, src PositionSource) (*Telegram, error) {
	b, err := tgbot.NewBotAPI(token)
	if err != nil {
		return nil, err
	}
	return &Telegram{
		bot:    b,
		chatID: chatID,
		src:    src,
	}, nil
}

func (t *Telegram) Send(msg string) {
	if t == nil || t.bot == nil || t.chatID == 0 {
		return
	}
	_, _ = t.bot.Send(tgbot.NewMessage(t.chatID, msg))
}

func (t *Telegram) Sendf(format string, args ...any) { t.Send(fmt.Sprintf(format, args...)) }

func (t *Telegram) handlePositions() {
	if t.src == nil {
		return
	}
	positions := t.src.OpenPositions()
	if len(positions) == 0 {
		t.Send("📭 Открытых позиций нет")
		return
	}

	var b strings.Builder
	b.WriteString("📊 Открытые позиции:\n")
	for _, p := range positions {
		fmt.Fprintf(&b, "- %s [%s] size=%.4f @ %.4f mode=%s\n",
			p.Symbol, strings.ToUpper(p.Side.String()), p.Size, p.EntryPrice, p.Mode)
	}
	t.Send(b.String())
}

// Start: long-polling для команд.
func (t *Telegram) Start(ctx context.Context) error {
	if t == nil || t.bot == nil {
		return nil
	}

	u := tgbot.NewUpdate(0)
	u.Timeout = 30
	u.AllowedUpdates = []string{"message"}

	updates := t.bot.GetUpdatesChan(u)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case upd := <-updates:
				if upd.Message != nil && upd.Message.Chat != nil &&
					upd.Message.Chat.ID == t.chatID && upd.Message.IsCommand() {

					switch upd.Message.Command() {
					case "positions":
						go t.handlePositions()
					}
				}
			}
		}
	}()
	return nil
}

func (t *Telegram) Stop() {}

// Stdout — заглушка, всё логирует.
type Stdout struct{}

func NewStdout() *Stdout                           { return &Stdout{} }
func (s *Stdout) Send(msg string)                  { log.Println(msg) }
func (s *Stdout) Sendf(format string, args ...any) { log.Printf(format, args...) }
