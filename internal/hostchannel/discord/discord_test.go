package discord

import (
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/groupwatch/core/internal/hostchannel"
)

func testSession(botID string) *discordgo.Session {
	s := &discordgo.Session{State: discordgo.NewState()}
	s.State.User = &discordgo.User{ID: botID}
	return s
}

func TestEventFromMessageCreateIgnoresOwnMessage(t *testing.T) {
	s := testSession("bot1")
	mc := &discordgo.MessageCreate{Message: &discordgo.Message{
		ID: "m1", Author: &discordgo.User{ID: "bot1"}, ChannelID: "c1",
	}}
	if _, ok := EventFromMessageCreate(s, mc); ok {
		t.Fatal("expected own message to be ignored")
	}
}

func TestEventFromMessageCreateIgnoresOtherBots(t *testing.T) {
	s := testSession("bot1")
	mc := &discordgo.MessageCreate{Message: &discordgo.Message{
		ID: "m1", Author: &discordgo.User{ID: "bot2", Bot: true}, ChannelID: "c1",
	}}
	if _, ok := EventFromMessageCreate(s, mc); ok {
		t.Fatal("expected other bot's message to be ignored")
	}
}

func TestEventFromMessageCreateBuildsComponentChain(t *testing.T) {
	s := testSession("bot1")
	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	mc := &discordgo.MessageCreate{Message: &discordgo.Message{
		ID:        "m1",
		Author:    &discordgo.User{ID: "u1", Username: "Alice"},
		ChannelID: "c1",
		GuildID:   "g1",
		Content:   "hey @bot1",
		Timestamp: ts,
		Mentions:  []*discordgo.User{{ID: "bot1"}},
		ReferencedMessage: &discordgo.Message{
			ID: "m0",
		},
		Attachments: []*discordgo.MessageAttachment{
			{URL: "https://x/img.png", ContentType: "image/png"},
			{URL: "https://x/file.pdf", ContentType: "application/pdf"},
		},
	}}

	ev, ok := EventFromMessageCreate(s, mc)
	if !ok {
		t.Fatal("expected a usable event")
	}
	if ev.SenderID != "u1" || ev.SenderName != "Alice" || ev.BotID != "bot1" {
		t.Fatalf("unexpected identity fields: %+v", ev)
	}
	if ev.IsPrivate {
		t.Fatal("expected guild message to not be private")
	}
	if !ev.MentionsBot("bot1") {
		t.Fatal("expected bot mention to be present")
	}
	if _, found := ev.Poke(); found {
		t.Fatal("discord events never carry a poke component")
	}
	urls := ev.ImageURLs()
	if len(urls) != 1 || urls[0] != "https://x/img.png" {
		t.Fatalf("expected only the image attachment surfaced, got %v", urls)
	}

	var hasReply bool
	for _, c := range ev.Components {
		if c.Type == hostchannel.ComponentReply && c.ReplyToID == "m0" {
			hasReply = true
		}
	}
	if !hasReply {
		t.Fatal("expected reply component referencing the replied-to message")
	}
}

func TestEventFromMessageCreateDirectMessageIsPrivate(t *testing.T) {
	s := testSession("bot1")
	mc := &discordgo.MessageCreate{Message: &discordgo.Message{
		ID: "m1", Author: &discordgo.User{ID: "u1"}, ChannelID: "c1", GuildID: "",
	}}
	ev, ok := EventFromMessageCreate(s, mc)
	if !ok {
		t.Fatal("expected a usable event")
	}
	if !ev.IsPrivate {
		t.Fatal("expected DM (no guild) to be private")
	}
}

func TestSplitMessageUnderLimitReturnsSingleChunk(t *testing.T) {
	chunks := splitMessage("hello", 2000)
	if len(chunks) != 1 || chunks[0] != "hello" {
		t.Fatalf("expected single chunk, got %v", chunks)
	}
}

func TestSplitMessageOverLimitSplits(t *testing.T) {
	long := make([]byte, 25)
	for i := range long {
		long[i] = 'a'
	}
	chunks := splitMessage(string(long), 10)
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks of 10/10/5, got %d: %v", len(chunks), chunks)
	}
	joined := chunks[0] + chunks[1] + chunks[2]
	if joined != string(long) {
		t.Fatalf("expected chunks to reconstruct original content, got %q", joined)
	}
}
