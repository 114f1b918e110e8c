package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"chatsync/server/internal/api"
	"chatsync/server/internal/collection"
	"chatsync/server/internal/config"
	"chatsync/server/internal/domain"
	"chatsync/server/internal/hub"
	"chatsync/server/internal/logging"
	"chatsync/server/internal/model"
	"chatsync/server/internal/source"
	"chatsync/server/internal/timeline"
	"chatsync/server/internal/view"
)

func main() {
	// .env 只用于本地开发，缺失不算错误。
	_ = godotenv.Load()

	configPath := flag.String("config", "server/configs/chatsync.yaml", "config file path")
	mode := flag.String("mode", "server", "server | client")
	channel := flag.String("channel", "", "channel id to open (client mode); empty opens the channel list")
	user := flag.String("user", "", "acting user (client mode); overrides source.user")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.Fatalf("load config: %v", err)
		}
		cfg = config.Default()
	}
	if *user != "" {
		cfg.Source.User = *user
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch *mode {
	case "server":
		if err := logging.Init(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output); err != nil {
			log.Fatalf("init logging: %v", err)
		}
		err = runServer(ctx, cfg)
	case "client":
		// 终端界面占用 stdout，日志默认写到文件。
		output := cfg.Logging.Output
		if output == "" || output == "stdout" || output == "stderr" {
			output = "chatsync-client.log"
		}
		if err := logging.Init(cfg.Logging.Level, cfg.Logging.Format, output); err != nil {
			log.Fatalf("init logging: %v", err)
		}
		err = runClient(ctx, cfg, *channel)
	default:
		err = fmt.Errorf("unknown mode %q", *mode)
	}
	if err != nil {
		log.Fatalf("%s: %v", *mode, err)
	}
}

func runServer(ctx context.Context, cfg *config.Config) error {
	logger := logging.New("runServer")

	h := hub.New(timeline.NewInMemoryStore(), hub.WithMaxReplay(cfg.Source.MaxReplay))
	if cfg.Paths.Seed != "" {
		seed, err := domain.LoadSeed(cfg.Paths.Seed)
		if err != nil {
			return err
		}
		if err := h.Load(seed); err != nil {
			return err
		}
	}

	srv := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      api.NewServer(cfg, h).Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Infof("chatsync server listening on %s", cfg.Addr())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func runClient(ctx context.Context, cfg *config.Config, channelID string) error {
	logger := logging.New("runClient")
	if cfg.Source.BaseURL == "" || cfg.Source.User == "" {
		return errors.New("client mode needs source.base_url and a user")
	}
	opts := source.RemoteOptions{
		RequestsPerSecond: cfg.Source.RequestsPerSecond,
		Burst:             cfg.Source.Burst,
		DialTimeout:       cfg.Source.DialTimeout,
		ReconnectDelay:    cfg.Source.ReconnectDelay,
	}

	var (
		remote *source.RemoteSource
		title  string
		attach = collection.Config{
			PageSize: cfg.Collection.PageSize,
			MarkRead: cfg.Collection.MarkRead,
			Author:   cfg.Source.User,
		}
	)
	if channelID == "" {
		remote = source.NewRemoteChannels(cfg.Source.BaseURL, cfg.Source.User, opts)
		title = "channels · " + cfg.Source.User
		attach.Ordering = model.OrderRecentActivity
	} else {
		remote = source.NewRemoteMessages(cfg.Source.BaseURL, channelID, cfg.Source.User, opts)
		title = "#" + channelID + " · " + cfg.Source.User
		attach.Inverted = true
	}
	pages, err := source.LoadPageCache(cfg.Paths.PageCache, cfg.Source.CacheTTL, cfg.Source.CacheCleanup)
	if err != nil {
		logger.Warnf("ignoring page cache: %v", err)
	}
	defer func() {
		if err := source.SavePageCache(pages, cfg.Paths.PageCache); err != nil {
			logger.Warnf("%v", err)
		}
	}()
	cached := source.NewCached(remote, pages)

	consumer := collection.NewConsumer(nil, collection.Options{
		QueueCapacity: cfg.Collection.QueueCapacity,
		EventTimeout:  cfg.Collection.EventTimeout,
		ResyncRetries: cfg.Collection.ResyncRetries,
		ResyncBackoff: cfg.Collection.ResyncBackoff,
	})
	handle, err := consumer.Attach(ctx, cached, attach)
	if err != nil {
		return fmt.Errorf("attach %s: %w", remote.ID(), err)
	}
	defer consumer.Detach(handle)

	_, err = tea.NewProgram(view.New(handle, title), tea.WithAltScreen(), tea.WithContext(ctx)).Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}
