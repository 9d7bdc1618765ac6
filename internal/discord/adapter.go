package discord

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/user/switchboard/internal/chunk"
	"github.com/user/switchboard/internal/media"
	"github.com/user/switchboard/internal/types"
	"github.com/user/switchboard/internal/typing"
)

const maxMessageLen = 2000

// Discord's typing indicator lasts about ten seconds per trigger. The first
// trigger is held back so fast responses never flash an indicator.
const (
	typingDelay    = time.Second
	typingInterval = 8 * time.Second
)

// Dispatcher accepts inbound events, normally the orchestrator.
type Dispatcher interface {
	HandleInbound(event *types.InboundEvent, ch types.Channel)
}

// Adapter bridges the Discord gateway to the orchestrator. One session per
// Discord channel (DMs included, which arrive as their own channel IDs).
type Adapter struct {
	session  *discordgo.Session
	dispatch Dispatcher
}

func New(token string, dispatch Dispatcher) (*Adapter, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent
	return &Adapter{session: session, dispatch: dispatch}, nil
}

func (a *Adapter) Name() string { return "discord" }

// Start opens the gateway connection and blocks until ctx is done.
func (a *Adapter) Start(ctx context.Context) error {
	a.session.AddHandler(a.onMessage)
	if err := a.session.Open(); err != nil {
		return fmt.Errorf("open discord connection: %w", err)
	}
	slog.Info("discord adapter started", "user", a.session.State.User.Username)

	<-ctx.Done()
	if err := a.session.Close(); err != nil {
		slog.Error("discord close failed", "error", err)
	}
	return nil
}

func (a *Adapter) onMessage(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.ID == s.State.User.ID || m.Author.Bot {
		return
	}

	var attachments []types.Attachment
	for _, att := range m.Attachments {
		kind := "file"
		if media.IsImage(att.Filename) {
			kind = "image"
		}
		attachments = append(attachments, types.Attachment{
			Type:     kind,
			URL:      att.URL,
			MimeType: att.ContentType,
			Filename: att.Filename,
		})
	}
	if m.Content == "" && len(attachments) == 0 {
		return
	}

	a.dispatch.HandleInbound(&types.InboundEvent{
		SessionKey:  types.NewSessionKey("discord", m.ChannelID),
		Channel:     "discord",
		Target:      m.ChannelID,
		Author:      m.Author.Username,
		At:          time.Now(),
		Content:     m.Content,
		Attachments: attachments,
	}, a)
}

// CreateHandler returns a per-request output handler bound to the event's
// Discord channel.
func (a *Adapter) CreateHandler(event *types.InboundEvent) types.OutputHandler {
	return &handler{session: a.session, channelID: event.Target}
}

// handler buffers text increments until the message boundary; Discord
// delivers whole messages, not token streams.
type handler struct {
	session   *discordgo.Session
	channelID string
	typing    *typing.Loop
	buf       strings.Builder
}

func (h *handler) Relay(_ context.Context, text string) error {
	h.buf.WriteString(text)
	return nil
}

// EndMessage flushes the buffered message: files first, then the text in
// limit-sized chunks. Buffering also keeps a media sentinel split across
// increments intact until extraction.
func (h *handler) EndMessage() {
	paths, parts := splitOutbound(h.buf.String())
	h.buf.Reset()

	for _, p := range paths {
		h.sendFile(p)
	}
	for _, part := range parts {
		if _, err := h.session.ChannelMessageSend(h.channelID, part); err != nil {
			slog.Error("send message failed", "channel", h.channelID, "error", err)
			return
		}
	}
}

// splitOutbound separates one completed message into file uploads and
// limit-sized text chunks.
func splitOutbound(text string) (paths, parts []string) {
	clean, paths := media.Extract(text)
	if clean != "" {
		parts = chunk.Split(clean, maxMessageLen)
	}
	return paths, parts
}

func (h *handler) RelayEvent(_ context.Context, ev types.ToolEvent) error {
	if ev.Phase != "start" {
		return nil
	}
	_, err := h.session.ChannelMessageSend(h.channelID, "🔧 "+ev.Tool)
	return err
}

func (h *handler) StartTyping() {
	h.typing = typing.NewLoop(func() {
		if err := h.session.ChannelTyping(h.channelID); err != nil {
			slog.Debug("typing trigger failed", "channel", h.channelID, "error", err)
		}
	}, typingDelay, typingInterval)
	h.typing.Start()
}

func (h *handler) StopTyping() {
	if h.typing != nil {
		h.typing.Stop()
	}
}

func (h *handler) sendFile(path string) {
	f, err := os.Open(path)
	if err != nil {
		slog.Error("media open failed", "path", path, "error", err)
		return
	}
	defer f.Close()
	if _, err := h.session.ChannelFileSend(h.channelID, filepath.Base(path), f); err != nil {
		slog.Error("media send failed", "channel", h.channelID, "path", path, "error", err)
		if _, err := h.session.ChannelMessageSend(h.channelID, fmt.Sprintf("(could not send %s)", filepath.Base(path))); err != nil {
			slog.Error("send message failed", "channel", h.channelID, "error", err)
		}
	}
}
