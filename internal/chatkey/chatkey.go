// Package chatkey defines the sharding key used throughout the core to
// identify a single conversation across platforms.
package chatkey

import "fmt"

// Kind distinguishes a group conversation from a one-on-one conversation.
type Kind string

const (
	Group   Kind = "group"
	Private Kind = "private"
)

// Key is the opaque identifier (platform, kind, chat_id) used as the primary
// sharding key for attention, cooldown, cache, and proactive state.
//
// Platform is the adapter-selection id (e.g. "discord-bot-1") and
// PlatformName is the display/grouping name (e.g. "discord"). Both are
// persisted from the first observed organic message so proactive-chat
// sessions can resolve the correct adapter in multi-adapter deployments
// (see SPEC_FULL.md §6 open question 2).
type Key struct {
	Platform     string
	PlatformName string
	Kind         Kind
	ChatID       string
}

// New builds a Key, defaulting PlatformName to Platform when not given
// separately (the common single-adapter-per-platform case).
func New(platform, platformName string, kind Kind, chatID string) Key {
	if platformName == "" {
		platformName = platform
	}
	return Key{Platform: platform, PlatformName: platformName, Kind: kind, ChatID: chatID}
}

// String renders a stable string form suitable for use as a map key or log
// field. Only Platform+Kind+ChatID participate — PlatformName is metadata.
func (k Key) String() string {
	return fmt.Sprintf("%s:%s:%s", k.Platform, k.Kind, k.ChatID)
}

// IsGroup reports whether this key addresses a group conversation.
func (k Key) IsGroup() bool {
	return k.Kind == Group
}
