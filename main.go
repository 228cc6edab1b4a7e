package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	oshttp "net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"parley/internal/api"
	"parley/internal/attachments"
	"parley/internal/auth"
	"parley/internal/chat"
	"parley/internal/commands"
	"parley/internal/config"
	"parley/internal/conversations"
	"parley/internal/filestore"
	"parley/internal/http"
	"parley/internal/logging"
	"parley/internal/notify"
	"parley/internal/presence"
	"parley/internal/registry"
	"parley/internal/storage"
	"parley/internal/ws"

	"golang.org/x/sync/errgroup"
)

func run(ctx context.Context, args []string) error {
	flags := flag.NewFlagSet("parley", flag.ContinueOnError)
	addGroup := flags.String("add-group", "", "Name of a group to create through the admin API of a running server")
	members := flags.String("members", "", "Comma separated profile ids of the new group's members")
	if err := flags.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*addGroup != "")
	if err != nil {
		return err
	}
	logging.Setup(os.Stderr, cfg.LogLevel, cfg.LogFormat)

	if *addGroup != "" {
		return commands.AddGroup(*addGroup, *members, cfg)
	}

	sessions, err := auth.NewSessions(ctx, auth.Config{
		Secret:      cfg.AuthSecret,
		TokenExpiry: cfg.TokenExpiry,
	})
	if err != nil {
		return err
	}

	bbStorage, err := storage.NewBboltStorage(cfg.DBFile)
	if err != nil {
		return err
	}
	defer func() { _ = bbStorage.Close() }()

	files, err := filestore.NewLocalFileStore(cfg.UploadsPath)
	if err != nil {
		return err
	}

	reg := registry.New()
	broadcaster := presence.New(reg, bbStorage, 0)
	reg.SetListener(broadcaster)

	routerConfig := chat.Config{
		Store:            bbStorage,
		Membership:       bbStorage,
		Files:            bbStorage,
		Connections:      reg,
		MaxContentLength: cfg.MaxContentLength,
		MaxAttachments:   cfg.MaxAttachments,
	}

	var pushNotifier *notify.Notifier
	if cfg.PushEnabled() {
		pushConfig := notify.Config{
			VAPIDPublicKey:  cfg.VAPIDPublicKey,
			VAPIDPrivateKey: cfg.VAPIDPrivateKey,
			Subscriber:      cfg.VAPIDSubscriber,
			TTL:             int((24 * time.Hour).Seconds()),
		}
		pushNotifier = notify.New(bbStorage, notify.NewWebPushSender(pushConfig), pushConfig)
		routerConfig.Notifier = pushNotifier
	} else {
		slog.Info("web push disabled, no VAPID keys configured")
	}

	router := chat.New(routerConfig)
	hub := ws.NewHub(reg, router, broadcaster, cfg.OutboundBuffer)

	coordinator := attachments.New(files, bbStorage, attachments.Limits{
		MaxFiles:     cfg.MaxUploadFiles,
		MaxFileSize:  cfg.MaxUploadFileSize,
		MaxTotalSize: cfg.MaxUploadTotalSize,
	})
	apiHandlers := api.New(
		sessions,
		bbStorage,
		conversations.New(bbStorage, reg, 0),
		coordinator,
		files,
		cfg.MaxUploadTotalSize,
	)
	wsServer := ws.NewServer(sessions, hub, ws.Limits{Rate: cfg.RateLimit, Burst: cfg.RateBurst})

	adminServer := http.NewAdminServer(api.NewAdminHandler(sessions, bbStorage, hub), cfg.AdminAddr)

	g, gCtx := errgroup.WithContext(ctx)
	apiServer := http.NewAPIServer(gCtx, apiHandlers, wsServer, cfg.APIAddr)

	g.Go(func() error {
		return broadcaster.Run(gCtx)
	})

	if pushNotifier != nil {
		g.Go(func() error {
			return pushNotifier.Run(gCtx)
		})
	}

	g.Go(func() error {
		err := adminServer.Start()
		if err != nil && err != oshttp.ErrServerClosed {
			return fmt.Errorf("admin server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		err := apiServer.Start()
		if err != nil && err != oshttp.ErrServerClosed {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})

	// Wait for context cancellation (signal)
	g.Go(func() error {
		<-gCtx.Done()
		slog.Info("Shutting down servers...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := adminServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("Admin server shutdown error", "error", err)
		}
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("API server shutdown error", "error", err)
		}
		return nil
	})

	return g.Wait()
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:]); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("Application error", "error", err)
		os.Exit(1)
	}
}
