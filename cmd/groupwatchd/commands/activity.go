package commands

import (
	"time"

	"github.com/groupwatch/core/internal/chatkey"
	"github.com/groupwatch/core/internal/history"
)

// historyActivity adapts history.Store to proactive.ActivitySource. The
// store itself doesn't track a rolling organic-message count, so this
// counts user-role, non-proactive entries within the window on read.
type historyActivity struct {
	store *history.Store
}

func (h historyActivity) RecentUserMessageCount(key chatkey.Key, window time.Duration) int {
	msgs, err := h.store.Load(key)
	if err != nil {
		return 0
	}
	cutoff := time.Now().Add(-window)
	count := 0
	for _, m := range msgs {
		if m.Role == "user" && !m.IsProactive && !m.Timestamp.Before(cutoff) {
			count++
		}
	}
	return count
}
