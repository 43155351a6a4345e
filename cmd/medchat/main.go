package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/osanchez/medchat/internal/api"
	"github.com/osanchez/medchat/internal/config"
	"github.com/osanchez/medchat/internal/messaging"
	"github.com/osanchez/medchat/internal/poll"
	"github.com/osanchez/medchat/internal/store"
	"github.com/osanchez/medchat/internal/version"
	"github.com/osanchez/medchat/pkg/auth"
)

func main() {
	// Essential command line flags only (GNU-style double dashes)
	configPathFlag := flag.String("config", "", "Path to JSON configuration file (default: ~/.config/medchat/config.json)")
	tokenPathFlag := flag.String("token", "", "Path to session token file (default: ~/.config/medchat/token.json)")
	baseURLFlag := flag.String("base-url", "", "Portal API base URL (overrides config)")
	threadFlag := flag.String("thread", "", "Follow a single conversation instead of the inbox")
	searchFlag := flag.String("search", "", "Filter the inbox by subject or participant")
	versionFlag := flag.Bool("version", false, "Show version information and exit")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "%s\n\n", version.GetVersionString())
		fmt.Fprintf(os.Stderr, "Usage:\n")
		fmt.Fprintf(os.Stderr, "  %s [options]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Examples:\n")
		fmt.Fprintf(os.Stderr, "  %s                        # Follow the inbox\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s --thread th-42         # Follow one conversation\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s --search cardiology    # Filter the inbox\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s --version              # Show version information\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
		fmt.Fprintf(os.Stderr, "  MEDCHAT_CONFIG   Override default config file path\n")
		fmt.Fprintf(os.Stderr, "  MEDCHAT_TOKEN    Override default token file path\n")
	}

	flag.Parse()

	if *versionFlag {
		fmt.Println(version.GetDetailedVersionString())
		return
	}

	configPath := *configPathFlag
	if configPath == "" {
		configPath = os.Getenv("MEDCHAT_CONFIG")
	}
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "medchat: %v\n", err)
		os.Exit(1)
	}
	if *baseURLFlag != "" {
		cfg.BaseURL = *baseURLFlag
	}
	if cfg.BaseURL == "" {
		fmt.Fprintln(os.Stderr, "medchat: no portal base URL configured (set base_url in the config file or pass --base-url)")
		os.Exit(1)
	}

	tokenPath := *tokenPathFlag
	if tokenPath == "" {
		tokenPath = os.Getenv("MEDCHAT_TOKEN")
	}
	if tokenPath == "" {
		tokenPath = cfg.Token
	}

	logger := buildLogger(cfg)

	token, err := auth.LoadToken(config.ExpandHome(tokenPath))
	if err != nil {
		logger.Fatal().Err(err).Msg("could not load session token")
	}
	self, err := auth.IdentityFromToken(token)
	if err != nil {
		logger.Fatal().Err(err).Msg("could not resolve session identity")
	}
	logger.Info().Str("user", self.UserID).Str("role", string(self.Role)).Msg("session ready")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	db, err := store.Open(ctx, config.ExpandHome(cfg.Database))
	if err != nil {
		logger.Fatal().Err(err).Msg("could not open local database")
	}
	defer db.Close()

	client := api.NewClient(cfg.BaseURL, auth.TokenSource(token), logger)
	engine := messaging.New(client, self, messaging.Options{
		Outbox:   db,
		Logger:   logger,
		PageSize: cfg.PageSize,
	})

	if err := engine.RestoreOutbox(ctx); err != nil {
		logger.Warn().Err(err).Msg("could not restore outbox")
	}
	if *searchFlag != "" {
		engine.SetSearchTerm(*searchFlag)
	}

	printer := &printer{engine: engine, followThread: *threadFlag != ""}
	engine.OnUpdate(printer.render)

	scheduler := poll.NewScheduler(nil, nil, logger,
		poll.Resource{Name: "threads", Interval: cfg.ThreadsInterval(), Fetch: engine.RefreshThreads},
		poll.Resource{Name: "messages", Interval: cfg.MessagesInterval(), Fetch: engine.RefreshActive},
		poll.Resource{Name: "unread", Interval: cfg.UnreadInterval(), Fetch: engine.RefreshUnread},
	)
	scheduler.Start(ctx)
	defer scheduler.Close()

	// Prime the view before the first tick.
	scheduler.Kick("threads")
	scheduler.Kick("unread")
	if *threadFlag != "" {
		if err := engine.SetActiveThread(ctx, *threadFlag); err != nil {
			logger.Error().Err(err).Str("thread", *threadFlag).Msg("could not open conversation")
		}
	}

	<-ctx.Done()
	logger.Info().Msg("shutting down")
}

func buildLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil {
		level = zerolog.InfoLevel
	}

	var w = os.Stderr
	if cfg.LogFile != "" {
		if f, ferr := os.OpenFile(config.ExpandHome(cfg.LogFile), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600); ferr == nil {
			w = f
		}
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}).
		Level(level).
		With().Timestamp().Logger()
}

// printer writes the current view to stdout on every engine update. Plain
// lines only; styling belongs to the real portal frontend.
type printer struct {
	engine       *messaging.Engine
	followThread bool
}

func (p *printer) render() {
	if p.followThread {
		p.renderTimeline()
		return
	}
	p.renderInbox()
}

func (p *printer) renderInbox() {
	threads := p.engine.Inbox()
	fmt.Printf("\n=== Inbox (%d unread) ===\n", p.engine.Unread())
	for _, t := range threads {
		name := t.Subject
		if cp, ok := t.Counterparty(messaging.Identity{}); ok && cp.DisplayName != "" {
			name = cp.DisplayName
			if t.Subject != "" {
				name += " — " + t.Subject
			}
		}
		stamp := "never"
		if !t.LastActivityAt.IsZero() {
			stamp = t.LastActivityAt.Local().Format("Jan 2 15:04")
		}
		badge := ""
		if t.UnreadCount > 0 {
			badge = fmt.Sprintf(" (%d new)", t.UnreadCount)
		}
		fmt.Printf("%-14s %-9s %s%s\n", t.ID, stamp, name, badge)
	}
}

func (p *printer) renderTimeline() {
	items := p.engine.Timeline()
	fmt.Printf("\n=== %s ===\n", p.engine.ActiveThread())
	for _, item := range items {
		switch item.Type {
		case messaging.RenderSeparator:
			fmt.Printf("---- %s ----\n", item.Label)
		case messaging.RenderMessage:
			m := item.Message
			body := m.Body
			if m.Deleted {
				body = "[message deleted]"
			}
			who := m.Sender
			if who == "" {
				who = m.SenderID
			}
			if m.Mine {
				who = "me"
			}
			star := ""
			if item.Starred {
				star = " *"
			}
			state := ""
			if m.Mine {
				state = " [" + string(m.Delivery) + "]"
			}
			if item.FirstInGroup {
				fmt.Printf("%s %s:\n", m.SentAt.Local().Format("15:04"), who)
			}
			fmt.Printf("    %s%s%s\n", body, state, star)
		}
	}
}
