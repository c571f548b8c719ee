// Package discord adapts github.com/bwmarrin/discordgo to the hostchannel
// boundary contract: translating discordgo.MessageCreate events into
// hostchannel.Event component chains, and implementing hostchannel.Sender
// against a live discordgo.Session.
package discord

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bwmarrin/discordgo"

	"github.com/groupwatch/core/internal/hostchannel"
)

// platformName is the Platform value stamped on every Event this adapter
// produces, matching chatkey.Key's platform discriminator.
const platformName = "discord"

// Adapter implements hostchannel.Sender against a live discordgo.Session.
// Unlike the source's per-message-type handler split, it exposes a single
// narrow surface (send/react/poke) — everything else about the session
// lifecycle (gateway connect, intents, reconnection) is the caller's concern.
type Adapter struct {
	session *discordgo.Session
	logger  *slog.Logger
}

// NewAdapter wraps an already-opened discordgo.Session.
func NewAdapter(session *discordgo.Session, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{session: session, logger: logger.With("component", "hostchannel/discord")}
}

const discordMessageLimit = 2000

// Send implements hostchannel.Sender. Content over Discord's 2000-character
// limit is split into multiple messages; only the first carries ReplyToID.
func (a *Adapter) Send(ctx context.Context, chatKeyPlatform, chatID string, out hostchannel.Outgoing) (hostchannel.SendResult, error) {
	if a.session == nil {
		return hostchannel.SendResult{}, fmt.Errorf("discord: no active session")
	}

	chunks := splitMessage(out.Content, discordMessageLimit)
	if len(chunks) == 0 {
		chunks = []string{""}
	}

	var last *discordgo.Message
	for i, chunk := range chunks {
		send := &discordgo.MessageSend{Content: chunk}
		if i == 0 && out.ReplyToID != "" {
			send.Reference = &discordgo.MessageReference{MessageID: out.ReplyToID, ChannelID: chatID}
		}
		msg, err := a.session.ChannelMessageSendComplex(chatID, send)
		if err != nil {
			return hostchannel.SendResult{}, fmt.Errorf("discord: send: %w", err)
		}
		last = msg
	}

	return hostchannel.SendResult{MessageID: last.ID, DisplayText: last.Content}, nil
}

// React implements hostchannel.Sender.
func (a *Adapter) React(ctx context.Context, chatKeyPlatform, chatID, messageID, emoji string) error {
	if a.session == nil {
		return fmt.Errorf("discord: no active session")
	}
	if err := a.session.MessageReactionAdd(chatID, messageID, emoji); err != nil {
		return fmt.Errorf("discord: react: %w", err)
	}
	return nil
}

// defaultPokeEmoji is the message content Poke sends, since Discord has no
// native poke primitive.
const defaultPokeEmoji = "👋"

// Poke implements hostchannel.Sender. Discord exposes no poke primitive, so
// a poke is rendered as a mention message carrying the wave emoji — the
// closest equivalent to the source platform's attention-grabbing nudge.
func (a *Adapter) Poke(ctx context.Context, chatKeyPlatform, chatID, toUserID string) error {
	if a.session == nil {
		return fmt.Errorf("discord: no active session")
	}
	content := defaultPokeEmoji
	if toUserID != "" {
		content = fmt.Sprintf("<@%s> %s", toUserID, defaultPokeEmoji)
	}
	if _, err := a.session.ChannelMessageSend(chatID, content); err != nil {
		return fmt.Errorf("discord: poke: %w", err)
	}
	return nil
}

// EventFromMessageCreate translates a discordgo message into a
// hostchannel.Event component chain. It returns ok=false for messages the
// core should never see: the bot's own messages and other bots' messages.
func EventFromMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) (hostchannel.Event, bool) {
	if m.Author == nil || (s.State != nil && s.State.User != nil && m.Author.ID == s.State.User.ID) {
		return hostchannel.Event{}, false
	}
	if m.Author.Bot {
		return hostchannel.Event{}, false
	}

	var botID string
	if s.State != nil && s.State.User != nil {
		botID = s.State.User.ID
	}

	ev := hostchannel.Event{
		MessageID:    m.ID,
		SenderID:     m.Author.ID,
		SenderName:   m.Author.Username,
		BotID:        botID,
		Platform:     platformName,
		PlatformKind: platformName,
		IsPrivate:    m.GuildID == "",
		ChatID:       m.ChannelID,
		Timestamp:    m.Timestamp,
	}

	if m.Content != "" {
		ev.Components = append(ev.Components, hostchannel.Component{
			Type: hostchannel.ComponentText,
			Text: m.Content,
		})
	}

	for _, u := range m.Mentions {
		ev.Components = append(ev.Components, hostchannel.Component{
			Type:        hostchannel.ComponentMention,
			MentionedID: u.ID,
		})
	}
	if m.MentionEveryone {
		ev.Components = append(ev.Components, hostchannel.Component{
			Type:        hostchannel.ComponentMention,
			MentionedID: hostchannel.MentionAllID,
			MentionsAll: true,
		})
	}

	if m.ReferencedMessage != nil {
		ev.Components = append(ev.Components, hostchannel.Component{
			Type:      hostchannel.ComponentReply,
			ReplyToID: m.ReferencedMessage.ID,
		})
	}

	for _, att := range m.Attachments {
		if !isImageAttachment(att.ContentType) {
			continue
		}
		ev.Components = append(ev.Components, hostchannel.Component{
			Type:     hostchannel.ComponentImage,
			ImageURL: att.URL,
		})
	}

	return ev, true
}

func isImageAttachment(contentType string) bool {
	switch contentType {
	case "image/png", "image/jpeg", "image/gif", "image/webp":
		return true
	default:
		return false
	}
}

// splitMessage breaks content into chunks no longer than limit, splitting
// on rune boundaries so multi-byte characters are never cut in half.
func splitMessage(content string, limit int) []string {
	if len(content) <= limit {
		return []string{content}
	}

	var chunks []string
	runes := []rune(content)
	var cur []rune
	for _, r := range runes {
		if len(cur) > 0 && len(string(cur))+len(string(r)) > limit {
			chunks = append(chunks, string(cur))
			cur = nil
		}
		cur = append(cur, r)
	}
	if len(cur) > 0 {
		chunks = append(chunks, string(cur))
	}
	return chunks
}
