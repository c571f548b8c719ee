package commands

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/bwmarrin/discordgo"
	_ "github.com/mattn/go-sqlite3"
	"github.com/spf13/cobra"

	"github.com/groupwatch/core/internal/attention"
	"github.com/groupwatch/core/internal/cache"
	"github.com/groupwatch/core/internal/chatkey"
	"github.com/groupwatch/core/internal/config"
	"github.com/groupwatch/core/internal/cooldown"
	"github.com/groupwatch/core/internal/decision"
	"github.com/groupwatch/core/internal/frequency"
	"github.com/groupwatch/core/internal/history"
	hostdiscord "github.com/groupwatch/core/internal/hostchannel/discord"
	"github.com/groupwatch/core/internal/llmclient"
	"github.com/groupwatch/core/internal/persistence"
	"github.com/groupwatch/core/internal/proactive"
	"github.com/groupwatch/core/internal/reply"
	"github.com/groupwatch/core/internal/timeperiod"
	"github.com/groupwatch/core/internal/typingsim"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the daemon and connect to Discord",
		Long: `Start groupwatchd as a long-running daemon: connects to Discord,
loads persisted attention/cooldown/proactive state, and evaluates every
inbound message through the decision engine.

Examples:
  groupwatchd serve
  groupwatchd serve --config ./config.yaml`,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return err
	}

	verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose")
	logger := buildLogger(cfg, verbose)

	for _, w := range cfg.Validate() {
		logger.Warn("config warning", "warning", w)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var db *sql.DB
	if cfg.Data.SQLitePath != "" {
		db, err = sql.Open("sqlite3", cfg.Data.SQLitePath)
		if err != nil {
			return fmt.Errorf("opening sqlite mirror: %w", err)
		}
		defer db.Close()
	}

	store, err := history.New(cfg.Data.Dir, db, logger)
	if err != nil {
		return fmt.Errorf("building history store: %w", err)
	}

	cd := cooldown.New(cfg.Cooldown.MaxDuration, logger)
	att := attention.New(cfg.Attention.Build(), cd, logger)
	quiet := timeperiod.New(cfg.TimePeriod.Build(), false)
	freq := frequency.New(cfg.Frequency.Build(), quiet)

	pstore := persistence.New(cfg.Data.Dir, att, cd, logger)
	if err := pstore.LoadAll(); err != nil {
		logger.Warn("failed loading persisted attention/cooldown state", "err", err)
	}
	pstore.Start(ctx)

	pending := newPendingRegistry(cfg.Cache)

	judge := llmclient.New(cfg.LLM.Build(), logger)

	session, err := discordgo.New("Bot " + cfg.Discord.Token)
	if err != nil {
		return fmt.Errorf("building discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages | discordgo.IntentsMessageContent

	sender := hostdiscord.NewAdapter(session, logger)

	checkCount, dupWindow := cfg.Cache.RecentRepliesArgs()
	recent := cache.NewRecentReplies(checkCount, dupWindow)
	typing := typingsim.New(cfg.Typing.Build(), rand.New(rand.NewSource(time.Now().UnixNano())))

	replyCfg := config.BuildReplyConfig(cfg.Typo, cfg.Persona.IncludeTimestamp, cfg.Persona.IncludeSenderInfo)
	orch := reply.New(replyCfg, judge, nil, typing, recent, store, sender, rand.New(rand.NewSource(time.Now().UnixNano())))

	proactiveStates, err := persistence.LoadProactiveStates(cfg.Data.Dir)
	if err != nil {
		logger.Warn("failed loading persisted proactive state", "err", err)
	}

	sched := proactive.New(
		cfg.Proactive.Build(cfg.BotID),
		orch,
		store,
		pending.get,
		freq,
		quiet,
		att,
		historyActivity{store: store},
		nil,
		logger,
		persistence.ProactiveSaveFn(cfg.Data.Dir),
	)
	sched.LoadStates(proactiveStates)

	decCfg := cfg.Decision.Build(cfg.BotID, cfg.Persona.SystemPrompt, cfg.Persona.IncludeTimestamp, cfg.Persona.IncludeSenderInfo)
	engine := decision.New(decCfg, cd, att, freq, judge, orch, store, pending.get, sched, sender, logger, rand.New(rand.NewSource(time.Now().UnixNano())))

	session.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
		ev, ok := hostdiscord.EventFromMessageCreate(s, m)
		if !ok {
			return
		}
		if err := engine.Handle(ctx, ev); err != nil {
			logger.Error("decision handle failed", "err", err, "channel_id", m.ChannelID)
		}
	})

	if err := session.Open(); err != nil {
		return fmt.Errorf("opening discord session: %w", err)
	}
	logger.Info("discord session opened")

	if cfg.Proactive.Enabled {
		sched.Start(ctx)
		logger.Info("proactive scheduler started")
	}

	logger.Info("groupwatchd running. press ctrl+c to stop.", "bot_id", cfg.BotID)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutdown signal received, stopping...")

	done := make(chan struct{})
	go func() {
		sched.Stop()
		cancel()
		pstore.SaveAll()
		_ = session.Close()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("shutdown complete")
	case <-time.After(10 * time.Second):
		logger.Warn("shutdown timed out after 10s, forcing exit")
	}

	return nil
}

func buildLogger(cfg *config.Config, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose || cfg.Logging.Level == "debug" {
		level = slog.LevelDebug
	}
	var handler slog.Handler
	if cfg.Logging.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}
	return slog.New(handler)
}

// resolveConfig loads the config from --config, falling back to
// auto-discovery, per the same precedence the teacher's own serve
// command follows.
func resolveConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Root().PersistentFlags().GetString("config")

	if path != "" {
		cfg, err := config.LoadFromFile(path)
		if err != nil {
			return nil, fmt.Errorf("loading config: %w", err)
		}
		return cfg, nil
	}

	if found := config.FindFile(); found != "" {
		cfg, err := config.LoadFromFile(found)
		if err != nil {
			return nil, fmt.Errorf("loading config from %s: %w", found, err)
		}
		slog.Info("config loaded", "path", found)
		return cfg, nil
	}

	return nil, fmt.Errorf("no config file found: pass --config or place config.yaml in the working directory")
}

// pendingRegistry hands out one cache.PendingCache per chat, matching
// decision.Engine's and proactive.Scheduler's `func(chatkey.Key)
// *cache.PendingCache` collaborator shape.
type pendingRegistry struct {
	mu    sync.Mutex
	ttl   time.Duration
	cap   int
	chats map[string]*cache.PendingCache
}

func newPendingRegistry(cfg config.CacheConfig) *pendingRegistry {
	ttl, maxCount := cfg.PendingCacheArgs()
	return &pendingRegistry{ttl: ttl, cap: maxCount, chats: make(map[string]*cache.PendingCache)}
}

func (r *pendingRegistry) get(key chatkey.Key) *cache.PendingCache {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := key.String()
	pc, ok := r.chats[k]
	if !ok {
		pc = cache.NewPendingCache(r.ttl, r.cap)
		r.chats[k] = pc
	}
	return pc
}
