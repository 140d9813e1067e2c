package telegram

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/gotd/td/session"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/dcs"
	"github.com/gotd/td/telegram/message"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/proxy"

	"instabot_go/models"
)

// Notifier отправляет оператору короткие уведомления.
type Notifier interface {
	Notify(text string)
}

// Nop используется, когда уведомления выключены.
type Nop struct{}

func (Nop) Notify(string) {}

// Config — параметры бота для уведомлений.
type Config struct {
	AppID    int
	AppHash  string
	BotToken string
	// username канала или пользователя, например @instabot_ops
	Chat  string
	Proxy *models.Proxy
}

// Bot держит одну бот-сессию и отправляет сообщения из очереди.
type Bot struct {
	cfg   Config
	queue chan string
	log   logrus.FieldLogger
}

func NewBot(cfg Config, log logrus.FieldLogger) *Bot {
	return &Bot{cfg: cfg, queue: make(chan string, 100), log: log.WithField("component", "telegram")}
}

// Notify ставит сообщение в очередь. При переполнении сообщение отбрасывается.
func (b *Bot) Notify(text string) {
	select {
	case b.queue <- text:
	default:
		b.log.Warn("[TELEGRAM] queue is full, notification dropped")
	}
}

// Run авторизует бота и отправляет сообщения до отмены ctx.
func (b *Bot) Run(ctx context.Context) error {
	client, err := newClient(b.cfg)
	if err != nil {
		return err
	}
	return client.Run(ctx, func(ctx context.Context) error {
		status, err := client.Auth().Status(ctx)
		if err != nil {
			return fmt.Errorf("auth status: %w", err)
		}
		if !status.Authorized {
			if _, err := client.Auth().Bot(ctx, b.cfg.BotToken); err != nil {
				return fmt.Errorf("bot auth: %w", err)
			}
		}
		b.log.Info("[TELEGRAM] notifier is ready")

		sender := message.NewSender(client.API())
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case text := <-b.queue:
				if _, err := sender.Resolve(b.cfg.Chat).Text(ctx, text); err != nil {
					b.log.Errorf("[TELEGRAM] send failed: %v", err)
				}
			}
		}
	})
}

// newClient создаёт клиента с сессией в памяти и, если задан, SOCKS5-прокси.
func newClient(cfg Config) (*telegram.Client, error) {
	opts := telegram.Options{
		SessionStorage: &session.StorageMemory{},
		Random:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	if p := cfg.Proxy; p != nil {
		var auth *proxy.Auth
		if p.Login != "" || p.Password != "" {
			auth = &proxy.Auth{User: p.Login, Password: p.Password}
		}
		d, err := proxy.SOCKS5("tcp", p.Addr(), auth, proxy.Direct)
		if err != nil {
			return nil, fmt.Errorf("proxy dialer: %w", err)
		}
		dc, ok := d.(proxy.ContextDialer)
		if !ok {
			return nil, fmt.Errorf("proxy dialer missing context")
		}
		opts.Resolver = dcs.Plain(dcs.PlainOptions{Dial: dc.DialContext})
	}
	return telegram.NewClient(cfg.AppID, cfg.AppHash, opts), nil
}

const maxErrorsRunes = 300

// TaskMessage собирает текст уведомления о завершении задачи.
func TaskMessage(t models.Task, username string) string {
	msg := fmt.Sprintf("Задача %s (%s) для @%s: %s", t.ID, t.ActionType, username, t.Status)
	if len(t.Errors) > 0 && string(t.Errors) != "{}" && string(t.Errors) != "null" {
		// Обрезаем по рунам, чтобы не разрезать многобайтовый символ.
		errs := []rune(string(t.Errors))
		if len(errs) > maxErrorsRunes {
			errs = append(errs[:maxErrorsRunes], '…')
		}
		msg += "\nОшибки: " + string(errs)
	}
	return msg
}
