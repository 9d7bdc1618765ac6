package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/user/switchboard/internal/chunk"
	"github.com/user/switchboard/internal/media"
	"github.com/user/switchboard/internal/types"
	"github.com/user/switchboard/internal/typing"
)

const maxMessageLen = 4096

// Telegram renews its "typing..." indicator roughly every five seconds, so
// refresh a little ahead of that. The first action is held back so fast
// responses never flash an indicator.
const (
	typingDelay    = time.Second
	typingInterval = 4 * time.Second
)

// Dispatcher accepts inbound events, normally the orchestrator.
type Dispatcher interface {
	HandleInbound(event *types.InboundEvent, ch types.Channel)
}

// Adapter bridges Telegram long polling to the orchestrator. One session per
// chat.
type Adapter struct {
	bot      *tgbotapi.BotAPI
	dispatch Dispatcher
	store    types.Store
}

func New(token string, dispatch Dispatcher, store types.Store) (*Adapter, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot: %w", err)
	}
	return &Adapter{bot: bot, dispatch: dispatch, store: store}, nil
}

func (a *Adapter) Name() string { return "telegram" }

// Start long-polls for updates until ctx is done.
func (a *Adapter) Start(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := a.bot.GetUpdatesChan(u)

	slog.Info("telegram adapter started", "bot", a.bot.Self.UserName)
	for {
		select {
		case update := <-updates:
			if update.Message == nil {
				continue
			}
			a.handleMessage(ctx, update.Message)
		case <-ctx.Done():
			a.bot.StopReceivingUpdates()
			return
		}
	}
}

func (a *Adapter) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	content := msg.Text
	if content == "" {
		content = msg.Caption
	}

	if msg.IsCommand() {
		switch msg.Command() {
		case "start":
			a.sendPlain(msg.Chat.ID, "Hello! Send me a message to get started. /stop interrupts, /new starts a fresh conversation.")
			return
		case "status":
			a.sendStatus(ctx, msg.Chat.ID)
			return
		case "stop", "new":
			content = "/" + msg.Command()
		default:
			a.sendPlain(msg.Chat.ID, "Unknown command. Available: /start, /status, /stop, /new")
			return
		}
	}

	attachments := a.collectAttachments(msg)
	if content == "" && len(attachments) == 0 {
		return
	}

	target := strconv.FormatInt(msg.Chat.ID, 10)
	a.dispatch.HandleInbound(&types.InboundEvent{
		SessionKey:  types.NewSessionKey("telegram", target),
		Channel:     "telegram",
		Target:      target,
		Author:      authorOf(msg),
		At:          time.Now(),
		Content:     content,
		Attachments: attachments,
	}, a)
}

// collectAttachments notes incoming media by Telegram file ID; downloading is
// the harness's business if a tool wants the bytes.
func (a *Adapter) collectAttachments(msg *tgbotapi.Message) []types.Attachment {
	var out []types.Attachment
	if len(msg.Photo) > 0 {
		largest := msg.Photo[len(msg.Photo)-1]
		out = append(out, types.Attachment{Type: "image", URL: largest.FileID})
	}
	if msg.Document != nil {
		out = append(out, types.Attachment{
			Type:     "file",
			URL:      msg.Document.FileID,
			MimeType: msg.Document.MimeType,
			Filename: msg.Document.FileName,
		})
	}
	return out
}

func (a *Adapter) sendStatus(ctx context.Context, chatID int64) {
	key := types.NewSessionKey("telegram", strconv.FormatInt(chatID, 10))
	if _, err := a.store.ResolveSession(ctx, key); err != nil {
		a.sendPlain(chatID, "Error fetching status.")
		return
	}
	count, err := a.store.CountUnarchived(ctx, key)
	if err != nil {
		a.sendPlain(chatID, "Error fetching status.")
		return
	}
	a.sendPlain(chatID, fmt.Sprintf("Session: %s\nMessages: %d", key, count))
}

// CreateHandler returns a per-request output handler bound to the event's
// chat.
func (a *Adapter) CreateHandler(event *types.InboundEvent) types.OutputHandler {
	chatID, _ := strconv.ParseInt(event.Target, 10, 64)
	return &handler{bot: a.bot, chatID: chatID}
}

func (a *Adapter) sendPlain(chatID int64, text string) {
	if _, err := a.bot.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		slog.Error("telegram send failed", "chat", chatID, "error", err)
	}
}

func authorOf(msg *tgbotapi.Message) string {
	if msg.From == nil {
		return "unknown"
	}
	if msg.From.UserName != "" {
		return msg.From.UserName
	}
	return msg.From.FirstName
}

// handler delivers one run's output to a chat. Text increments are buffered
// until the message boundary, since Telegram has no way to edit a message
// into existence token by token; the flush sends media first, then text in
// limit-sized chunks, with markdown downgraded to plain text when Telegram
// rejects it.
type handler struct {
	bot    *tgbotapi.BotAPI
	chatID int64
	typing *typing.Loop
	buf    strings.Builder
}

func (h *handler) Relay(_ context.Context, text string) error {
	h.buf.WriteString(text)
	return nil
}

// EndMessage flushes the buffered message. Buffering also keeps a media
// sentinel split across increments intact until extraction.
func (h *handler) EndMessage() {
	paths, parts := splitOutbound(h.buf.String())
	h.buf.Reset()

	for _, p := range paths {
		h.sendMedia(p)
	}
	for _, part := range parts {
		if err := h.send(part); err != nil {
			slog.Error("telegram send failed", "chat", h.chatID, "error", err)
			return
		}
	}
}

// splitOutbound separates one completed message into media uploads and
// limit-sized text chunks.
func splitOutbound(text string) (paths, parts []string) {
	clean, paths := media.Extract(text)
	if clean != "" {
		parts = chunk.Split(clean, maxMessageLen)
	}
	return paths, parts
}

// RelayEvent surfaces tool activity so long runs do not look stalled.
func (h *handler) RelayEvent(_ context.Context, ev types.ToolEvent) error {
	if ev.Phase != "start" {
		return nil
	}
	return h.send("🔧 " + ev.Tool)
}

func (h *handler) StartTyping() {
	h.typing = typing.NewLoop(func() {
		if _, err := h.bot.Request(tgbotapi.NewChatAction(h.chatID, tgbotapi.ChatTyping)); err != nil {
			slog.Debug("typing action failed", "chat", h.chatID, "error", err)
		}
	}, typingDelay, typingInterval)
	h.typing.Start()
}

func (h *handler) StopTyping() {
	if h.typing != nil {
		h.typing.Stop()
	}
}

func (h *handler) send(text string) error {
	msg := tgbotapi.NewMessage(h.chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdown
	if _, err := h.bot.Send(msg); err == nil {
		return nil
	}
	// Model output is not always valid Telegram markdown.
	msg.ParseMode = ""
	if _, err := h.bot.Send(msg); err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

func (h *handler) sendMedia(path string) {
	var msg tgbotapi.Chattable
	if media.IsImage(path) {
		msg = tgbotapi.NewPhoto(h.chatID, tgbotapi.FilePath(path))
	} else {
		msg = tgbotapi.NewDocument(h.chatID, tgbotapi.FilePath(path))
	}
	if _, err := h.bot.Send(msg); err != nil {
		slog.Error("media send failed", "chat", h.chatID, "path", path, "error", err)
		h.sendNote(fmt.Sprintf("(could not send %s)", filepath.Base(path)))
	}
}

func (h *handler) sendNote(text string) {
	if _, err := h.bot.Send(tgbotapi.NewMessage(h.chatID, text)); err != nil {
		slog.Error("telegram send failed", "chat", h.chatID, "error", err)
	}
}
