// Package telegram binds a Telegram bot connection to the session
// interface using long polling. The Bot API cannot re-read chat
// history, so this session does not implement storage.RemoteMedium and
// remote-configured stores fall back to sqlite.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/haasonsaas/relay/internal/ratelimit"
	"github.com/haasonsaas/relay/internal/session"
)

// TextLimit is Telegram's maximum message length.
const TextLimit = 4096

// Config holds one Telegram session's settings.
type Config struct {
	// ID names the session in logs and store paths.
	ID string

	// BotToken is the token issued by @BotFather.
	BotToken string

	// OwnerID is the numeric user id that passes every security level.
	OwnerID int64

	// QueueSize bounds the inbound event queue.
	QueueSize int

	// SendRate throttles outbound calls per chat. Telegram allows
	// roughly one message per second per chat.
	SendRate ratelimit.Policy

	Logger *slog.Logger
}

// Validate checks required fields and applies defaults.
func (c *Config) Validate() error {
	if c.ID == "" {
		c.ID = "telegram"
	}
	if c.BotToken == "" {
		return fmt.Errorf("bot_token is required")
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.SendRate.PerSecond <= 0 {
		c.SendRate = ratelimit.Policy{PerSecond: 1, Burst: 3}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// api is the slice of the bot client the session uses. Tests substitute
// a fake.
type api interface {
	GetMe(ctx context.Context) (*models.User, error)
	SendMessage(ctx context.Context, params *bot.SendMessageParams) (*models.Message, error)
	EditMessageText(ctx context.Context, params *bot.EditMessageTextParams) (*models.Message, error)
	DeleteMessage(ctx context.Context, params *bot.DeleteMessageParams) (bool, error)
	GetChatMember(ctx context.Context, params *bot.GetChatMemberParams) (*models.ChatMember, error)
}

var _ api = (*bot.Bot)(nil)

// Session is one authenticated Telegram bot connection.
type Session struct {
	cfg     Config
	log     *slog.Logger
	api     api
	limiter *ratelimit.Keyed
	events  chan session.Event

	mu     sync.RWMutex
	self   session.UserInfo
	selfID int64

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

var _ session.Session = (*Session)(nil)

// New builds an unconnected session. Call Start to begin polling.
func New(cfg Config) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Session{
		cfg:     cfg,
		log:     cfg.Logger.With("component", "session.telegram", "session", cfg.ID),
		limiter: ratelimit.NewKeyed(cfg.SendRate),
		events:  make(chan session.Event, cfg.QueueSize),
		done:    make(chan struct{}),
	}, nil
}

// Start authenticates and begins long polling. The event channel
// closes when polling stops, via Close or the given context ending.
func (s *Session) Start(ctx context.Context) error {
	b, err := bot.New(s.cfg.BotToken,
		bot.WithSkipGetMe(),
		bot.WithDefaultHandler(s.handleUpdate),
	)
	if err != nil {
		return fmt.Errorf("create telegram bot: %w", err)
	}
	s.api = b
	return s.start(ctx, b.Start)
}

// start finishes startup against any api implementation.
func (s *Session) start(ctx context.Context, poll func(context.Context)) error {
	me, err := s.api.GetMe(ctx)
	if err != nil {
		return fmt.Errorf("get me: %w", err)
	}

	s.mu.Lock()
	s.selfID = me.ID
	s.self = session.UserInfo{
		ID:          strconv.FormatInt(me.ID, 10),
		Username:    me.Username,
		DisplayName: displayName(me.FirstName, me.LastName),
		IsBot:       me.IsBot,
	}
	s.mu.Unlock()

	pollCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	go func() {
		defer close(s.done)
		defer close(s.events)
		poll(pollCtx)
	}()

	s.log.Info("telegram session started",
		"username", me.Username,
		"queue", s.cfg.QueueSize)
	return nil
}

func (s *Session) ID() string { return s.cfg.ID }

func (s *Session) Kind() string { return "telegram" }

func (s *Session) TextLimit() int { return TextLimit }

func (s *Session) Events() <-chan session.Event { return s.events }

func (s *Session) Self() session.UserInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.self
}

func (s *Session) Owner() string {
	if s.cfg.OwnerID == 0 {
		return ""
	}
	return strconv.FormatInt(s.cfg.OwnerID, 10)
}

// Close stops polling and waits for the event channel to close.
func (s *Session) Close(ctx context.Context) error {
	s.once.Do(func() {
		if s.cancel != nil {
			s.cancel()
			return
		}
		// Never started; close the channels ourselves.
		close(s.events)
		close(s.done)
	})
	select {
	case <-s.done:
		s.log.Info("telegram session closed")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Send posts text to a chat, waiting on the per-chat rate limit first.
func (s *Session) Send(ctx context.Context, chatID, text string) (session.MessageRef, error) {
	if s.api == nil {
		return session.MessageRef{}, fmt.Errorf("session not started")
	}
	if err := s.limiter.Wait(ctx, chatID); err != nil {
		return session.MessageRef{}, err
	}
	chat, err := parseChat(chatID)
	if err != nil {
		return session.MessageRef{}, err
	}

	msg, err := s.api.SendMessage(ctx, &bot.SendMessageParams{ChatID: chat, Text: text})
	if err != nil {
		return session.MessageRef{}, classified("send to chat "+chatID, err)
	}
	return session.MessageRef{ChatID: chatID, MessageID: strconv.Itoa(msg.ID)}, nil
}

// Edit replaces the text of an existing message.
func (s *Session) Edit(ctx context.Context, ref session.MessageRef, text string) (session.MessageRef, error) {
	if s.api == nil {
		return session.MessageRef{}, fmt.Errorf("session not started")
	}
	if err := s.limiter.Wait(ctx, ref.ChatID); err != nil {
		return session.MessageRef{}, err
	}
	chat, messageID, err := parseRef(ref)
	if err != nil {
		return session.MessageRef{}, err
	}

	if _, err := s.api.EditMessageText(ctx, &bot.EditMessageTextParams{
		ChatID:    chat,
		MessageID: messageID,
		Text:      text,
	}); err != nil {
		return session.MessageRef{}, classified("edit message "+ref.ChatID+"/"+ref.MessageID, err)
	}
	return ref, nil
}

// Delete removes messages. Messages already gone are not an error.
func (s *Session) Delete(ctx context.Context, refs ...session.MessageRef) error {
	if s.api == nil {
		return fmt.Errorf("session not started")
	}
	for _, ref := range refs {
		chat, messageID, err := parseRef(ref)
		if err != nil {
			return err
		}
		if _, err := s.api.DeleteMessage(ctx, &bot.DeleteMessageParams{
			ChatID:    chat,
			MessageID: messageID,
		}); err != nil {
			if classify(err) == session.CodeNotFound {
				continue
			}
			return classified("delete message "+ref.ChatID+"/"+ref.MessageID, err)
		}
	}
	return nil
}

// IsChatAdmin reports whether userID is an administrator or the owner
// of chatID.
func (s *Session) IsChatAdmin(ctx context.Context, chatID, userID string) (bool, error) {
	if s.api == nil {
		return false, fmt.Errorf("session not started")
	}
	chat, err := parseChat(chatID)
	if err != nil {
		return false, err
	}
	user, err := strconv.ParseInt(userID, 10, 64)
	if err != nil {
		return false, session.NewError(session.CodeInvalid, fmt.Sprintf("user id %q", userID), err)
	}

	member, err := s.api.GetChatMember(ctx, &bot.GetChatMemberParams{ChatID: chat, UserID: user})
	if err != nil {
		return false, classified("get chat member", err)
	}
	return member.Owner != nil || member.Administrator != nil, nil
}

// handleUpdate converts one Bot API update into a session event. The
// queue is bounded; an overloaded consumer drops updates with a warning
// rather than blocking the poll loop.
func (s *Session) handleUpdate(ctx context.Context, _ *bot.Bot, update *models.Update) {
	var ev session.Event
	switch {
	case update.Message != nil:
		ev = s.convert(update.Message, session.EventMessage)
	case update.EditedMessage != nil:
		ev = s.convert(update.EditedMessage, session.EventEdited)
	case update.ChannelPost != nil:
		ev = s.convert(update.ChannelPost, session.EventMessage)
	case update.EditedChannelPost != nil:
		ev = s.convert(update.EditedChannelPost, session.EventEdited)
	default:
		return
	}
	ev.ID = strconv.FormatInt(update.ID, 10)

	select {
	case s.events <- ev:
	case <-ctx.Done():
	default:
		s.log.Warn("event queue full, dropping update",
			"chat", ev.Chat.ID,
			"kind", ev.Kind)
	}
}

func (s *Session) convert(msg *models.Message, kind session.EventKind) session.Event {
	chatID := strconv.FormatInt(msg.Chat.ID, 10)
	ev := session.Event{
		Kind:    kind,
		Session: s.cfg.ID,
		Chat: session.ChatInfo{
			ID:      chatID,
			Title:   chatTitle(msg.Chat),
			Private: string(msg.Chat.Type) == "private",
		},
		Message:   session.MessageRef{ChatID: chatID, MessageID: strconv.Itoa(msg.ID)},
		Text:      messageText(msg),
		Forwarded: msg.ForwardOrigin != nil,
		Time:      time.Unix(int64(msg.Date), 0),
		Raw:       msg,
	}

	if msg.From != nil {
		ev.Sender = session.UserInfo{
			ID:          strconv.FormatInt(msg.From.ID, 10),
			Username:    msg.From.Username,
			DisplayName: displayName(msg.From.FirstName, msg.From.LastName),
			IsBot:       msg.From.IsBot,
		}
		s.mu.RLock()
		ev.Outgoing = s.selfID != 0 && msg.From.ID == s.selfID
		s.mu.RUnlock()
	}

	if kind == session.EventMessage {
		if action := chatAction(msg); action != "" {
			ev.Kind = session.EventChatAction
			ev.Action = action
		}
	}
	return ev
}

// chatAction names the service content of a message, or "" for a
// regular message.
func chatAction(msg *models.Message) string {
	switch {
	case len(msg.NewChatMembers) > 0:
		return "join"
	case msg.LeftChatMember != nil:
		return "leave"
	case msg.NewChatTitle != "":
		return "title"
	}
	return ""
}

func messageText(msg *models.Message) string {
	if msg.Text != "" {
		return msg.Text
	}
	return msg.Caption
}

func chatTitle(chat models.Chat) string {
	if chat.Title != "" {
		return chat.Title
	}
	if name := displayName(chat.FirstName, chat.LastName); name != "" {
		return name
	}
	return chat.Username
}

func displayName(first, last string) string {
	return strings.TrimSpace(strings.TrimSpace(first) + " " + strings.TrimSpace(last))
}

func parseChat(chatID string) (int64, error) {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return 0, session.NewError(session.CodeInvalid, fmt.Sprintf("chat id %q", chatID), err)
	}
	return id, nil
}

func parseRef(ref session.MessageRef) (int64, int, error) {
	chat, err := parseChat(ref.ChatID)
	if err != nil {
		return 0, 0, err
	}
	messageID, err := strconv.Atoi(ref.MessageID)
	if err != nil {
		return 0, 0, session.NewError(session.CodeInvalid, fmt.Sprintf("message id %q", ref.MessageID), err)
	}
	return chat, messageID, nil
}

// classified wraps a Bot API failure with its transport code.
func classified(op string, err error) *session.Error {
	return session.NewError(classify(err), op, err)
}

// classify maps Bot API failures onto transport codes. The API reports
// errors as description strings, so matching goes by the documented
// descriptions.
func classify(err error) session.ErrorCode {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "not found"):
		return session.CodeNotFound
	case strings.Contains(msg, "too many requests"), strings.Contains(msg, "retry after"):
		return session.CodeRateLimit
	case strings.Contains(msg, "unauthorized"), strings.Contains(msg, "forbidden"):
		return session.CodeAuth
	case strings.Contains(msg, "deadline exceeded"), strings.Contains(msg, "timeout"):
		return session.CodeTimeout
	case strings.Contains(msg, "connection"), strings.Contains(msg, "dial tcp"):
		return session.CodeConnection
	}
	return session.CodeInternal
}
