package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	jww "github.com/spf13/jwalterweatherman"
	"github.com/teamflow/chatsync"
)

var (
	watchChatID        string
	watchProbeInterval time.Duration
)

// buildFeed creates the change feed selected in the config. The returned
// handler is non-nil for the webhook transport and must be served.
func buildFeed(cfg *Config) (chatsync.Feed, http.Handler, error) {
	rt := &chatsync.RealtimeConfig{
		Credentials:   chatsync.StaticToken(cfg.Auth.Token),
		AutoReconnect: true,
	}
	switch cfg.Realtime.Transport {
	case "", "ws":
		if cfg.Realtime.URL == "" {
			return nil, nil, fmt.Errorf("realtime.url is required for the ws transport")
		}
		return chatsync.NewWSFeed(cfg.Realtime.URL, rt), nil, nil
	case "sse":
		if cfg.Realtime.URL == "" {
			return nil, nil, fmt.Errorf("realtime.url is required for the sse transport")
		}
		return chatsync.NewSSEFeed(cfg.Realtime.URL, rt), nil, nil
	case "webhook":
		feed, err := chatsync.NewWebhookFeed(cfg.Realtime.WebhookSecret)
		if err != nil {
			return nil, nil, err
		}
		return feed, feed.HTTPHandler(), nil
	case "none":
		return chatsync.NewHub(), nil, nil
	}
	return nil, nil, fmt.Errorf("unknown transport %q", cfg.Realtime.Transport)
}

func serve(addr string, h http.Handler, name string) *http.Server {
	srv := &http.Server{Addr: addr, Handler: h, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			jww.ERROR.Printf("%s server on %s: %v", name, addr, err)
		}
	}()
	jww.INFO.Printf("%s listening on %s", name, addr)
	return srv
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Run the sync engine and print live changes",
	Long: "Start the sync engine with the configured change feed, optionally open a chat,\n" +
		"and print chat list and message changes until interrupted.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := requireAuth()

		feed, webhook, err := buildFeed(cfg)
		if err != nil {
			return err
		}
		journal, err := openJournal(cfg)
		if err != nil {
			return err
		}

		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector())

		engineCfg := chatsync.EngineConfig{
			BaseURL:       cfg.Gateway.BaseURL,
			Function:      cfg.Gateway.Function,
			Credentials:   chatsync.StaticToken(cfg.Auth.Token),
			UserID:        cfg.Auth.UserID,
			Feed:          feed,
			Journal:       journal,
			Registerer:    reg,
			ProbeInterval: watchProbeInterval,
		}
		if d, err := time.ParseDuration(cfg.Gateway.Timeout); err == nil {
			engineCfg.Timeout = d
		}
		engine, err := chatsync.NewEngine(engineCfg)
		if err != nil {
			journal.Close()
			return err
		}
		defer engine.Close()

		var servers []*http.Server
		if webhook != nil {
			mux := http.NewServeMux()
			mux.Handle("/webhook", webhook)
			servers = append(servers, serve(valueOrDefault(cfg.Realtime.WebhookAddr, ":8787"), mux, "webhook"))
		}
		if cfg.Metrics.Addr != "" {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
			servers = append(servers, serve(cfg.Metrics.Addr, mux, "metrics"))
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			for _, s := range servers {
				s.Shutdown(ctx)
			}
		}()

		printer := newChangePrinter(engine.Store.UserID())
		engine.Store.On(chatsync.EventChats, printer.chatsChanged)
		engine.Store.On(chatsync.EventMessages, printer.messagesChanged)
		engine.Store.On(chatsync.EventMessageFailed, func(_ string, payload any) {
			f := payload.(chatsync.MessageFailure)
			fmt.Printf("! %s failed: %s\n", f.MessageID, engine.Monitor.Describe(f.Err))
		})
		engine.Monitor.OnChange(func(online bool) {
			if online {
				fmt.Println("* online")
			} else {
				fmt.Println("* " + chatsync.OfflineMessage)
			}
		})

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := engine.Start(ctx); err != nil {
			fmt.Println("! " + engine.Monitor.Describe(err))
		}
		if watchChatID != "" {
			if err := engine.Store.SelectChat(ctx, &chatsync.Chat{ID: watchChatID}); err != nil {
				fmt.Println("! " + engine.Monitor.Describe(err))
			}
		}

		fmt.Println("Watching for changes. Press Ctrl+C to stop.")
		<-ctx.Done()
		return nil
	},
}

// changePrinter prints what changed between successive store snapshots.
type changePrinter struct {
	userID string

	mu     sync.Mutex
	chats  map[string]int
	status map[string]chatsync.MessageStatus
}

func newChangePrinter(userID string) *changePrinter {
	return &changePrinter{
		userID: userID,
		chats:  make(map[string]int),
		status: make(map[string]chatsync.MessageStatus),
	}
}

func (p *changePrinter) chatsChanged(_ string, payload any) {
	st := payload.(chatsync.State)
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range st.Chats {
		prev, known := p.chats[c.ID]
		if !known {
			fmt.Printf("+ chat %s %q\n", c.ID, c.Name)
		} else if c.UnreadCount > prev {
			fmt.Printf("~ chat %s %q: %d unread\n", c.ID, c.Name, c.UnreadCount)
		}
		p.chats[c.ID] = c.UnreadCount
	}
}

func (p *changePrinter) messagesChanged(_ string, payload any) {
	st := payload.(chatsync.State)
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, m := range st.Messages {
		prev, known := p.status[m.ID]
		switch {
		case !known && !m.IsTemporary() && m.ClientMsgID != "" && p.status[chatsync.TempID(m.ClientMsgID)] != "":
			fmt.Printf("= %s confirmed as %s\n", chatsync.TempID(m.ClientMsgID), m.ID)
			delete(p.status, chatsync.TempID(m.ClientMsgID))
		case !known:
			fmt.Printf("+ %s %s: %s\n", m.ID, m.SenderID, m.Content)
		case prev != m.Status:
			fmt.Printf("~ %s %s -> %s\n", m.ID, prev, m.Status)
		}
		p.status[m.ID] = m.Status
	}
}

func init() {
	watchCmd.Flags().StringVar(&watchChatID, "chat", "", "Chat to open and follow")
	watchCmd.Flags().DurationVar(&watchProbeInterval, "probe", 0, "Connectivity probe interval (0 disables)")
	rootCmd.AddCommand(watchCmd)
}
