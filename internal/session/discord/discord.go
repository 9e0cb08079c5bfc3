// Package discord binds a Discord bot connection to the session
// interface over the gateway websocket. Discord lets a bot re-read its
// own messages, so this session also implements storage.RemoteMedium
// using a dedicated text channel as the data chat.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/haasonsaas/relay/internal/ratelimit"
	"github.com/haasonsaas/relay/internal/session"
	"github.com/haasonsaas/relay/internal/storage"
)

// TextLimit is Discord's maximum message length.
const TextLimit = 2000

// dataChannelName is the text channel created for the remote store when
// none is configured explicitly.
const dataChannelName = "relay-data"

// historyPageSize is Discord's maximum page size for channel history.
const historyPageSize = 100

// Config holds one Discord session's settings.
type Config struct {
	// ID names the session in logs and store paths.
	ID string

	// BotToken is the token from the Discord developer portal.
	BotToken string

	// OwnerID is the user id that passes every security level.
	OwnerID string

	// GuildID is the guild used to create the data channel when
	// DataChannelID is unset.
	GuildID string

	// DataChannelID pins the remote store to an existing channel.
	DataChannelID string

	// QueueSize bounds the inbound event queue.
	QueueSize int

	// SendRate throttles outbound calls per channel.
	SendRate ratelimit.Policy

	Logger *slog.Logger
}

// Validate checks required fields and applies defaults.
func (c *Config) Validate() error {
	if c.ID == "" {
		c.ID = "discord"
	}
	if c.BotToken == "" {
		return fmt.Errorf("bot_token is required")
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.SendRate.PerSecond <= 0 {
		c.SendRate = ratelimit.Policy{PerSecond: 5, Burst: 10}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// api is the slice of discordgo.Session the session uses. Tests
// substitute a fake.
type api interface {
	Open() error
	Close() error
	AddHandler(handler interface{}) func()
	User(userID string, options ...discordgo.RequestOption) (*discordgo.User, error)
	ChannelMessageSend(channelID string, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageEdit(channelID, messageID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageDelete(channelID, messageID string, options ...discordgo.RequestOption) error
	ChannelMessages(channelID string, limit int, beforeID, afterID, aroundID string, options ...discordgo.RequestOption) ([]*discordgo.Message, error)
	GuildChannels(guildID string, options ...discordgo.RequestOption) ([]*discordgo.Channel, error)
	GuildChannelCreate(guildID, name string, ctype discordgo.ChannelType, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	UserChannelPermissions(userID, channelID string, fetchOptions ...discordgo.RequestOption) (int64, error)
}

var _ api = (*discordgo.Session)(nil)

// Session is one authenticated Discord bot connection.
type Session struct {
	cfg     Config
	log     *slog.Logger
	api     api
	limiter *ratelimit.Keyed
	events  chan session.Event
	stop    chan struct{}

	mu       sync.RWMutex
	self     session.UserInfo
	selfID   string
	dataChat string
	opened   bool

	once sync.Once
}

var (
	_ session.Session      = (*Session)(nil)
	_ storage.RemoteMedium = (*Session)(nil)
)

// New builds an unconnected session. Call Start to open the gateway.
func New(cfg Config) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Session{
		cfg:      cfg,
		log:      cfg.Logger.With("component", "session.discord", "session", cfg.ID),
		limiter:  ratelimit.NewKeyed(cfg.SendRate),
		events:   make(chan session.Event, cfg.QueueSize),
		stop:     make(chan struct{}),
		dataChat: cfg.DataChannelID,
	}, nil
}

// Start opens the gateway connection and resolves the bot's own user.
func (s *Session) Start(ctx context.Context) error {
	if s.api == nil {
		dg, err := discordgo.New("Bot " + s.cfg.BotToken)
		if err != nil {
			return fmt.Errorf("create discord session: %w", err)
		}
		dg.Identify.Intents = discordgo.IntentGuilds |
			discordgo.IntentGuildMessages |
			discordgo.IntentGuildMembers |
			discordgo.IntentDirectMessages |
			discordgo.IntentMessageContent
		s.api = dg
	}
	return s.start(ctx)
}

func (s *Session) start(ctx context.Context) error {
	s.api.AddHandler(s.handleReady)
	s.api.AddHandler(s.handleMessageCreate)
	s.api.AddHandler(s.handleMessageUpdate)
	s.api.AddHandler(s.handleMemberAdd)
	s.api.AddHandler(s.handleMemberRemove)

	if err := s.api.Open(); err != nil {
		return fmt.Errorf("open discord gateway: %w", err)
	}

	me, err := s.api.User("@me", discordgo.WithContext(ctx))
	if err != nil {
		s.api.Close()
		return fmt.Errorf("fetch own user: %w", err)
	}

	s.mu.Lock()
	s.opened = true
	s.selfID = me.ID
	s.self = userInfo(me)
	s.mu.Unlock()

	s.log.Info("discord session started",
		"username", me.Username,
		"queue", s.cfg.QueueSize)
	return nil
}

func (s *Session) ID() string { return s.cfg.ID }

func (s *Session) Kind() string { return "discord" }

func (s *Session) TextLimit() int { return TextLimit }

func (s *Session) Events() <-chan session.Event { return s.events }

func (s *Session) Self() session.UserInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.self
}

func (s *Session) Owner() string { return s.cfg.OwnerID }

// Close stops event delivery and closes the gateway connection.
func (s *Session) Close(ctx context.Context) error {
	var closeErr error
	s.once.Do(func() {
		close(s.stop)
		s.mu.RLock()
		opened := s.opened
		s.mu.RUnlock()
		if opened {
			closeErr = s.api.Close()
		}
		close(s.events)
	})
	if closeErr != nil {
		return fmt.Errorf("close discord gateway: %w", closeErr)
	}
	s.log.Info("discord session closed")
	return nil
}

// Send posts text to a channel, waiting on the per-channel rate limit
// first.
func (s *Session) Send(ctx context.Context, chatID, text string) (session.MessageRef, error) {
	if s.api == nil {
		return session.MessageRef{}, fmt.Errorf("session not started")
	}
	if err := s.limiter.Wait(ctx, chatID); err != nil {
		return session.MessageRef{}, err
	}

	msg, err := s.api.ChannelMessageSend(chatID, text, discordgo.WithContext(ctx))
	if err != nil {
		return session.MessageRef{}, classified("send to channel "+chatID, err)
	}
	return session.MessageRef{ChatID: chatID, MessageID: msg.ID}, nil
}

// Edit replaces the text of an existing message.
func (s *Session) Edit(ctx context.Context, ref session.MessageRef, text string) (session.MessageRef, error) {
	if s.api == nil {
		return session.MessageRef{}, fmt.Errorf("session not started")
	}
	if err := s.limiter.Wait(ctx, ref.ChatID); err != nil {
		return session.MessageRef{}, err
	}

	if _, err := s.api.ChannelMessageEdit(ref.ChatID, ref.MessageID, text, discordgo.WithContext(ctx)); err != nil {
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
		err := s.api.ChannelMessageDelete(ref.ChatID, ref.MessageID, discordgo.WithContext(ctx))
		if err != nil && classify(err) != session.CodeNotFound {
			return classified("delete message "+ref.ChatID+"/"+ref.MessageID, err)
		}
	}
	return nil
}

// IsChatAdmin reports whether userID can administer or moderate the
// channel.
func (s *Session) IsChatAdmin(ctx context.Context, chatID, userID string) (bool, error) {
	if s.api == nil {
		return false, fmt.Errorf("session not started")
	}
	perms, err := s.api.UserChannelPermissions(userID, chatID, discordgo.WithContext(ctx))
	if err != nil {
		return false, classified("channel permissions", err)
	}
	return perms&(discordgo.PermissionAdministrator|discordgo.PermissionManageMessages) != 0, nil
}

// EnsureDataChat finds or creates the text channel backing the remote
// store.
func (s *Session) EnsureDataChat(ctx context.Context) (string, error) {
	s.mu.RLock()
	existing := s.dataChat
	s.mu.RUnlock()
	if existing != "" {
		return existing, nil
	}
	if s.cfg.GuildID == "" {
		return "", fmt.Errorf("remote store needs data_channel_id or guild_id")
	}

	channels, err := s.api.GuildChannels(s.cfg.GuildID, discordgo.WithContext(ctx))
	if err != nil {
		return "", classified("list guild channels", err)
	}
	for _, ch := range channels {
		if ch.Type == discordgo.ChannelTypeGuildText && ch.Name == dataChannelName {
			s.setDataChat(ch.ID)
			return ch.ID, nil
		}
	}

	ch, err := s.api.GuildChannelCreate(s.cfg.GuildID, dataChannelName, discordgo.ChannelTypeGuildText, discordgo.WithContext(ctx))
	if err != nil {
		return "", classified("create data channel", err)
	}
	s.setDataChat(ch.ID)
	s.log.Info("created data channel", "channel", ch.ID)
	return ch.ID, nil
}

// SendChatMessage writes one fragment message to the data chat.
func (s *Session) SendChatMessage(ctx context.Context, chatID, text string) (string, error) {
	if err := s.limiter.Wait(ctx, chatID); err != nil {
		return "", err
	}
	msg, err := s.api.ChannelMessageSend(chatID, text, discordgo.WithContext(ctx))
	if err != nil {
		return "", classified("send data message", err)
	}
	return msg.ID, nil
}

// EditChatMessage rewrites one fragment message in place.
func (s *Session) EditChatMessage(ctx context.Context, chatID, messageID, text string) error {
	if err := s.limiter.Wait(ctx, chatID); err != nil {
		return err
	}
	if _, err := s.api.ChannelMessageEdit(chatID, messageID, text, discordgo.WithContext(ctx)); err != nil {
		return classified("edit data message "+messageID, err)
	}
	return nil
}

// DeleteChatMessages removes fragment messages, tolerating ones already
// gone.
func (s *Session) DeleteChatMessages(ctx context.Context, chatID string, messageIDs []string) error {
	for _, id := range messageIDs {
		err := s.api.ChannelMessageDelete(chatID, id, discordgo.WithContext(ctx))
		if err != nil && classify(err) != session.CodeNotFound {
			return classified("delete data message "+id, err)
		}
	}
	return nil
}

// ChatHistory pages backwards through the data chat and returns up to
// limit messages oldest-first.
func (s *Session) ChatHistory(ctx context.Context, chatID string, limit int) ([]storage.RemoteMessage, error) {
	if limit <= 0 {
		limit = historyPageSize
	}

	var newestFirst []storage.RemoteMessage
	before := ""
	for len(newestFirst) < limit {
		batch := historyPageSize
		if rest := limit - len(newestFirst); rest < batch {
			batch = rest
		}
		msgs, err := s.api.ChannelMessages(chatID, batch, before, "", "", discordgo.WithContext(ctx))
		if err != nil {
			return nil, classified("channel history", err)
		}
		if len(msgs) == 0 {
			break
		}
		for _, m := range msgs {
			newestFirst = append(newestFirst, storage.RemoteMessage{ID: m.ID, Text: m.Content})
		}
		before = msgs[len(msgs)-1].ID
		if len(msgs) < batch {
			break
		}
	}

	out := make([]storage.RemoteMessage, len(newestFirst))
	for i, m := range newestFirst {
		out[len(out)-1-i] = m
	}
	return out, nil
}

func (s *Session) handleReady(_ *discordgo.Session, r *discordgo.Ready) {
	if r.User == nil {
		return
	}
	s.mu.Lock()
	s.selfID = r.User.ID
	s.self = userInfo(r.User)
	s.mu.Unlock()

	s.log.Info("discord connection ready",
		"user", r.User.Username,
		"guilds", len(r.Guilds))
}

func (s *Session) handleMessageCreate(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Message == nil || m.Author == nil {
		return
	}
	if s.skipInbound(m.ChannelID, m.Author) {
		return
	}
	s.push(s.convert(m.Message, session.EventMessage))
}

func (s *Session) handleMessageUpdate(_ *discordgo.Session, m *discordgo.MessageUpdate) {
	// Embed unfurls arrive as sparse updates with no author or text.
	if m.Message == nil || m.Author == nil || m.Content == "" {
		return
	}
	if s.skipInbound(m.ChannelID, m.Author) {
		return
	}
	s.push(s.convert(m.Message, session.EventEdited))
}

func (s *Session) handleMemberAdd(_ *discordgo.Session, g *discordgo.GuildMemberAdd) {
	if g.Member == nil || g.User == nil {
		return
	}
	s.push(s.memberEvent(g.Member, "join"))
}

func (s *Session) handleMemberRemove(_ *discordgo.Session, g *discordgo.GuildMemberRemove) {
	if g.Member == nil || g.User == nil {
		return
	}
	s.push(s.memberEvent(g.Member, "leave"))
}

// skipInbound filters store traffic and foreign bots out of the event
// stream. The session's own messages pass through as outgoing events.
func (s *Session) skipInbound(channelID string, author *discordgo.User) bool {
	s.mu.RLock()
	dataChat := s.dataChat
	selfID := s.selfID
	s.mu.RUnlock()

	if dataChat != "" && channelID == dataChat {
		return true
	}
	return author.Bot && author.ID != selfID
}

// push queues one event without ever blocking the gateway dispatch
// goroutine. An overloaded consumer drops events with a warning.
func (s *Session) push(ev session.Event) {
	select {
	case s.events <- ev:
	case <-s.stop:
	default:
		s.log.Warn("event queue full, dropping event",
			"chat", ev.Chat.ID,
			"kind", ev.Kind)
	}
}

func (s *Session) convert(m *discordgo.Message, kind session.EventKind) session.Event {
	ev := session.Event{
		ID:      m.ID,
		Kind:    kind,
		Session: s.cfg.ID,
		Chat: session.ChatInfo{
			ID:      m.ChannelID,
			Private: m.GuildID == "",
		},
		Message: session.MessageRef{ChatID: m.ChannelID, MessageID: m.ID},
		Text:    m.Content,
		Time:    m.Timestamp,
		Raw:     m,
	}
	if m.EditedTimestamp != nil && !m.EditedTimestamp.IsZero() {
		ev.Time = *m.EditedTimestamp
	}
	if m.Author != nil {
		ev.Sender = userInfo(m.Author)
		s.mu.RLock()
		ev.Outgoing = s.selfID != "" && m.Author.ID == s.selfID
		s.mu.RUnlock()
	}
	return ev
}

func (s *Session) memberEvent(m *discordgo.Member, action string) session.Event {
	return session.Event{
		ID:      m.User.ID,
		Kind:    session.EventChatAction,
		Session: s.cfg.ID,
		Action:  action,
		Chat:    session.ChatInfo{ID: m.GuildID},
		Sender:  userInfo(m.User),
		Time:    time.Now(),
		Raw:     m,
	}
}

func (s *Session) setDataChat(id string) {
	s.mu.Lock()
	s.dataChat = id
	s.mu.Unlock()
}

func userInfo(u *discordgo.User) session.UserInfo {
	name := u.GlobalName
	if name == "" {
		name = u.Username
	}
	return session.UserInfo{
		ID:          u.ID,
		Username:    u.Username,
		DisplayName: name,
		IsBot:       u.Bot,
	}
}

// classified wraps a Discord API failure with its transport code.
func classified(op string, err error) *session.Error {
	return session.NewError(classify(err), op, err)
}

// classify maps Discord REST and gateway failures onto transport codes.
// discordgo surfaces API errors as HTTP status text plus the JSON error
// body, so matching goes by those strings.
func classify(err error) session.ErrorCode {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "unknown message"), strings.Contains(msg, "unknown channel"), strings.Contains(msg, "404"):
		return session.CodeNotFound
	case strings.Contains(msg, "rate limit"), strings.Contains(msg, "429"), strings.Contains(msg, "too many requests"):
		return session.CodeRateLimit
	case strings.Contains(msg, "401"), strings.Contains(msg, "403"), strings.Contains(msg, "unauthorized"), strings.Contains(msg, "missing access"), strings.Contains(msg, "missing permissions"):
		return session.CodeAuth
	case strings.Contains(msg, "deadline exceeded"), strings.Contains(msg, "timeout"):
		return session.CodeTimeout
	case strings.Contains(msg, "websocket"), strings.Contains(msg, "connection"), strings.Contains(msg, "dial tcp"):
		return session.CodeConnection
	}
	return session.CodeInternal
}
