// Package telegram adapts the Telegram Bot API to the dispatch loop: it
// turns updates into inbound events (downloading voice-note audio on the
// way) and implements the outbound chat client with chunked, retried sends.
package telegram

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/uuid"

	"github.com/Sina-Amare/SakaiBot-sub002/internal/domain"
)

const (
	maxMsgLen       = 4000
	maxSendRetries  = 3
	pollTimeoutSecs = 30
	maxVoiceBytes   = 20 << 20 // Bot API file download limit
)

// EventHandler consumes one inbound event; the gateway calls it in its own
// goroutine per update.
type EventHandler func(ctx context.Context, ev domain.InboundEvent)

// Gateway is the Telegram side of the bot. It implements domain.ChatClient.
type Gateway struct {
	token     string
	allowFrom []int64
	parseMode string

	bot    *tgbotapi.BotAPI
	http   *http.Client
	logger *slog.Logger
}

type Config struct {
	Token     string
	AllowFrom []string // user IDs; empty allows everyone
	ParseMode string
	Logger    *slog.Logger
}

func New(cfg Config) *Gateway {
	var allowed []int64
	for _, s := range cfg.AllowFrom {
		if id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64); err == nil {
			allowed = append(allowed, id)
		}
	}
	if cfg.ParseMode == "" {
		cfg.ParseMode = tgbotapi.ModeMarkdown
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Gateway{
		token:     cfg.Token,
		allowFrom: allowed,
		parseMode: cfg.ParseMode,
		http:      &http.Client{Timeout: 60 * time.Second},
		logger:    cfg.Logger,
	}
}

// Run connects and polls for updates until ctx is cancelled.
func (g *Gateway) Run(ctx context.Context, handler EventHandler) error {
	bot, err := tgbotapi.NewBotAPI(g.token)
	if err != nil {
		return fmt.Errorf("telegram bot init: %w", err)
	}
	g.bot = bot
	g.logger.Info("telegram connected", "username", bot.Self.UserName, "id", bot.Self.ID)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = pollTimeoutSecs
	updates := bot.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			g.logger.Info("telegram gateway stopping")
			bot.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			ev, ok := g.toEvent(ctx, update)
			if !ok {
				continue
			}
			go handler(ctx, ev)
		}
	}
}

// toEvent converts one update into an inbound event. Unsupported updates and
// disallowed senders return ok=false.
func (g *Gateway) toEvent(ctx context.Context, update tgbotapi.Update) (domain.InboundEvent, bool) {
	msg := update.Message
	if msg == nil || msg.From == nil || msg.Chat == nil {
		return domain.InboundEvent{}, false
	}
	if !g.isAllowed(msg.From.ID) {
		g.logger.Warn("message from disallowed user", "user_id", msg.From.ID, "username", msg.From.UserName)
		return domain.InboundEvent{}, false
	}

	ev := domain.InboundEvent{
		ID:             uuid.NewString(),
		ConversationID: strconv.FormatInt(msg.Chat.ID, 10),
		SenderID:       strconv.FormatInt(msg.From.ID, 10),
		Timestamp:      time.Unix(int64(msg.Date), 0),
		Raw:            msg,
	}

	switch {
	case msg.Voice != nil:
		data, err := g.downloadFile(ctx, msg.Voice.FileID, int64(msg.Voice.FileSize))
		if err != nil {
			g.logger.Error("voice download failed", "chat_id", msg.Chat.ID, "error", err)
			return domain.InboundEvent{}, false
		}
		ev.Audio = &domain.AudioPayload{Data: data, FormatHint: "ogg"}
		g.sendAction(msg.Chat.ID, tgbotapi.ChatTyping)

	case msg.Audio != nil:
		data, err := g.downloadFile(ctx, msg.Audio.FileID, int64(msg.Audio.FileSize))
		if err != nil {
			g.logger.Error("audio download failed", "chat_id", msg.Chat.ID, "error", err)
			return domain.InboundEvent{}, false
		}
		ev.Audio = &domain.AudioPayload{Data: data, FormatHint: hintFromMime(msg.Audio.MimeType)}
		g.sendAction(msg.Chat.ID, tgbotapi.ChatTyping)

	case strings.TrimSpace(msg.Text) != "":
		ev.Text = strings.TrimSpace(msg.Text)
		g.sendAction(msg.Chat.ID, tgbotapi.ChatTyping)

	default:
		// Stickers, photos, etc. dispatch as Other and are dropped there.
	}

	return ev, true
}

func hintFromMime(mime string) string {
	switch {
	case strings.Contains(mime, "ogg"), strings.Contains(mime, "opus"):
		return "ogg"
	case strings.Contains(mime, "mpeg"), strings.Contains(mime, "mp3"):
		return "mp3"
	case strings.Contains(mime, "wav"):
		return "wav"
	default:
		return ""
	}
}

func (g *Gateway) downloadFile(ctx context.Context, fileID string, size int64) ([]byte, error) {
	if size > maxVoiceBytes {
		return nil, fmt.Errorf("file too large: %d bytes", size)
	}
	url, err := g.bot.GetFileDirectURL(fileID)
	if err != nil {
		return nil, fmt.Errorf("resolve file url: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := g.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch file: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch file: status %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxVoiceBytes))
}

func (g *Gateway) sendAction(chatID int64, action string) {
	if g.bot == nil {
		return
	}
	_, _ = g.bot.Send(tgbotapi.NewChatAction(chatID, action))
}

func (g *Gateway) isAllowed(userID int64) bool {
	if len(g.allowFrom) == 0 {
		return true
	}
	for _, id := range g.allowFrom {
		if id == userID {
			return true
		}
	}
	return false
}

// Send implements domain.ChatClient, splitting long replies into chunks
// under Telegram's message length limit.
func (g *Gateway) Send(ctx context.Context, conversationID, text string) error {
	chatID, err := strconv.ParseInt(conversationID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid chat ID %q: %w", conversationID, err)
	}

	for len(text) > 0 {
		chunk := text
		if len(chunk) > maxMsgLen {
			cutAt := strings.LastIndex(chunk[:maxMsgLen], "\n")
			if cutAt < maxMsgLen/2 {
				cutAt = maxMsgLen
			}
			chunk = text[:cutAt]
			text = text[cutAt:]
		} else {
			text = ""
		}
		if err := g.sendChunk(ctx, chatID, chunk); err != nil {
			return err
		}
	}
	return nil
}

// sendChunk sends one chunk: markdown first, plain text on parse errors,
// with backoff for rate limiting and transient failures.
func (g *Gateway) sendChunk(ctx context.Context, chatID int64, text string) error {
	var lastErr error
	for attempt := 0; attempt <= maxSendRetries; attempt++ {
		msg := tgbotapi.NewMessage(chatID, text)
		if attempt == 0 {
			msg.ParseMode = g.parseMode
		}

		_, err := g.bot.Send(msg)
		if err == nil {
			return nil
		}
		lastErr = err
		errStr := err.Error()

		if strings.Contains(errStr, "Too Many Requests") || strings.Contains(errStr, "429") {
			backoff := time.Duration(attempt+1) * 3 * time.Second
			g.logger.Warn("telegram rate limited, backing off", "retry_after", backoff, "attempt", attempt+1)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			continue
		}

		if attempt == 0 && strings.Contains(errStr, "can't parse entities") {
			g.logger.Warn("markdown parse error, retrying as plain text", "error", err)
			continue
		}

		if attempt < maxSendRetries {
			backoff := time.Duration(attempt+1) * time.Second
			g.logger.Warn("telegram send error, retrying", "error", err, "backoff", backoff)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}
	}
	return fmt.Errorf("telegram send failed after %d attempts: %w", maxSendRetries+1, lastErr)
}
