package alert

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/bwmarrin/discordgo"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/slack-go/slack"

	"wagate/internal/config"
)

// --- Telegram ---

type telegramSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Telegram posts alerts to a fixed set of chats.
type Telegram struct {
	bot     telegramSender
	chatIDs []int64
}

func NewTelegram(cfg config.TelegramConfig) (*Telegram, error) {
	ids, err := parseChatIDs(cfg.ChatIDs)
	if err != nil {
		return nil, err
	}
	bot, err := tgbotapi.NewBotAPI(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("telegram bot init: %w", err)
	}
	return &Telegram{bot: bot, chatIDs: ids}, nil
}

func parseChatIDs(raw []string) ([]int64, error) {
	if len(raw) == 0 {
		return nil, errors.New("telegram alerts need at least one chat id")
	}
	ids := make([]int64, 0, len(raw))
	for _, s := range raw {
		id, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid telegram chat id %q: %w", s, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (t *Telegram) Name() string { return "telegram" }

// Notify sends to every chat. tgbotapi has no context support, so ctx is
// only checked between chats.
func (t *Telegram) Notify(ctx context.Context, a Alert) error {
	var errs []error
	for _, id := range t.chatIDs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := t.bot.Send(tgbotapi.NewMessage(id, a.Text())); err != nil {
			errs = append(errs, fmt.Errorf("chat %d: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// --- Slack ---

// Slack posts alerts to one channel with a bot token.
type Slack struct {
	client  *slack.Client
	channel string
}

func NewSlack(cfg config.SlackConfig, opts ...slack.Option) *Slack {
	return &Slack{client: slack.New(cfg.BotToken, opts...), channel: cfg.ChannelID}
}

func (s *Slack) Name() string { return "slack" }

func (s *Slack) Notify(ctx context.Context, a Alert) error {
	_, _, err := s.client.PostMessageContext(ctx, s.channel, slack.MsgOptionText(a.Text(), false))
	if err != nil {
		return fmt.Errorf("slack post: %w", err)
	}
	return nil
}

// --- Discord ---

type discordSender interface {
	ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Discord posts alerts to one channel over the REST API; no gateway
// connection is opened.
type Discord struct {
	session discordSender
	channel string
}

func NewDiscord(cfg config.DiscordConfig) (*Discord, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("discord session: %w", err)
	}
	return &Discord{session: session, channel: cfg.ChannelID}, nil
}

func (d *Discord) Name() string { return "discord" }

func (d *Discord) Notify(ctx context.Context, a Alert) error {
	if _, err := d.session.ChannelMessageSend(d.channel, a.Text(), discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("discord send: %w", err)
	}
	return nil
}

// FromConfig builds the notifiers enabled in cfg. A notifier that fails to
// initialise is logged and skipped.
func FromConfig(cfg config.AlertsConfig, logger *slog.Logger) []Notifier {
	if !cfg.Enabled {
		return nil
	}
	var out []Notifier
	if cfg.Telegram.Enabled {
		if t, err := NewTelegram(cfg.Telegram); err != nil {
			logger.Error("telegram alerts disabled", "err", err)
		} else {
			out = append(out, t)
		}
	}
	if cfg.Slack.Enabled {
		out = append(out, NewSlack(cfg.Slack))
	}
	if cfg.Discord.Enabled {
		if d, err := NewDiscord(cfg.Discord); err != nil {
			logger.Error("discord alerts disabled", "err", err)
		} else {
			out = append(out, d)
		}
	}
	return out
}
