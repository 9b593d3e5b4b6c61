package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"filestore/internal/admin"
	"filestore/internal/api"
	"filestore/internal/bot"
	"filestore/internal/config"
	"filestore/internal/files"
	"filestore/internal/logging"
	"filestore/internal/reaper"
	"filestore/internal/relay"
	"filestore/internal/restore"
	"filestore/internal/session"
	"filestore/internal/store"
	"filestore/internal/telegram"
)

func printStats(st *store.SQLiteStore) {
	ctx := context.Background()
	stats, err := st.GetStats(ctx)
	if err != nil {
		logging.Internal.Fatalf("failed to get stats: %v", err)
	}
	retention, err := st.LoadRetention(ctx, 0)
	if err != nil {
		logging.Internal.Fatalf("failed to load retention: %v", err)
	}

	fmt.Println("╔══════════════════════════════════════════╗")
	fmt.Println("║          FileStore Statistics            ║")
	fmt.Println("╠══════════════════════════════════════════╣")
	fmt.Printf("║  Single Files:    %-22d║\n", stats.Files)
	fmt.Printf("║  Batches:         %-22d║\n", stats.Batches)
	fmt.Printf("║  └─ Items:        %-22d║\n", stats.Items)
	fmt.Printf("║  Admins:          %-22d║\n", stats.Admins)
	fmt.Println("╠══════════════════════════════════════════╣")
	if retention.Active() {
		fmt.Printf("║  Auto-delete:     %-22s║\n", "after "+retention.Window.String())
	} else {
		fmt.Printf("║  Auto-delete:     %-22s║\n", "off")
	}
	if !stats.OldestFile.IsZero() {
		fmt.Printf("║  Oldest File:     %-22s║\n", stats.OldestFile.Format("2006-01-02 15:04"))
		fmt.Printf("║  Newest File:     %-22s║\n", stats.NewestFile.Format("2006-01-02 15:04"))
	} else {
		fmt.Println("║  No files in database                    ║")
	}
	fmt.Println("╚══════════════════════════════════════════╝")
}

func newArchive(cfg *config.Config) (files.Archive, error) {
	if cfg.ArchiveS3.Bucket != "" {
		s3, err := files.NewS3Archive(files.S3Config{
			Endpoint: cfg.ArchiveS3.Endpoint,
			Insecure: cfg.ArchiveS3.Insecure,
			KeyID:    cfg.ArchiveS3.KeyID,
			AppKey:   cfg.ArchiveS3.AppKey,
			Bucket:   cfg.ArchiveS3.Bucket,
			Prefix:   cfg.ArchiveS3.Prefix,
		})
		if err != nil {
			return nil, err
		}
		logging.Internal.Printf("archiving manifests to bucket %s", cfg.ArchiveS3.Bucket)
		return s3, nil
	}
	if cfg.ArchiveDir != "" {
		fs, err := files.NewFSArchive(cfg.ArchiveDir)
		if err != nil {
			return nil, err
		}
		logging.Internal.Printf("archiving manifests to %s", cfg.ArchiveDir)
		return fs, nil
	}
	return nil, nil
}

// runMockConsole feeds stdin lines into the mock client. Each line is
// "USER_ID TEXT": text starting with / is a command, anything else is
// treated as a document upload captioned with the text.
func runMockConsole(ctx context.Context, mock *telegram.MockClient) {
	fmt.Println("mock mode: enter lines as `USER_ID /command` or `USER_ID caption`")
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		uidText, text, ok := strings.Cut(strings.TrimSpace(scanner.Text()), " ")
		uid, err := strconv.ParseInt(uidText, 10, 64)
		if !ok || err != nil {
			fmt.Println("expected: USER_ID TEXT")
			continue
		}
		msg := telegram.Message{ChatID: uid, FromID: uid}
		if strings.HasPrefix(text, "/") {
			msg.Text = text
		} else {
			msg.Caption = text
			msg.Media = "document"
		}
		stored := mock.Inject(msg)
		fmt.Printf("-> message %d in chat %d\n", stored.MessageID, uid)
	}
}

func main() {
	dbPath := flag.String("db", "filestore.db", "SQLite database path")
	showStats := flag.Bool("stats", false, "Show database statistics and exit")
	mockMode := flag.Bool("mock", false, "Development mode: in-memory chat client driven from stdin")
	flag.Parse()

	cfg, err := config.Load(*mockMode || *showStats)
	if err != nil {
		logging.Internal.Fatalf("%v", err)
	}

	// Initialize store
	st, err := store.NewSQLiteStore(*dbPath, store.NewGenerator(store.DefaultCodeLength, cfg.CodeAlphabet))
	if err != nil {
		logging.Internal.Fatalf("failed to open database: %v", err)
	}
	defer st.Close()

	// Show stats and exit if requested
	if *showStats {
		printStats(st)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := st.SeedRetention(ctx, cfg.AutoDelete); err != nil {
		logging.Internal.Fatalf("failed to seed retention settings: %v", err)
	}

	// Initialize chat client - Bot API unless running the local mock
	var client telegram.Client
	var mock *telegram.MockClient
	if *mockMode {
		mock = telegram.NewMockClient()
		mock.OnText = func(chatID int64, text string) {
			fmt.Printf("<- [%d] %s\n", chatID, text)
		}
		mock.ForwardHook = func(to, from, msgID int64) error {
			fmt.Printf("<- [%d] forwarded message %d from %d\n", to, msgID, from)
			return nil
		}
		client = mock
		logging.Internal.Println("using mock chat client")
	} else {
		botClient, err := telegram.NewBotAPIClient(telegram.BotAPIConfig{
			Token:   cfg.BotToken,
			BaseURL: cfg.TelegramAPI,
		})
		if err != nil {
			logging.Internal.Fatalf("failed to connect to Bot API: %v", err)
		}
		client = botClient
	}
	defer client.Close()

	if err := client.SetCommands(ctx, bot.Commands()); err != nil {
		logging.Internal.Printf("warning: failed to register command menu: %v", err)
	}

	archive, err := newArchive(cfg)
	if err != nil {
		logging.Internal.Fatalf("failed to initialize archive: %v", err)
	}

	// Initialize services
	admins := admin.NewRegistry(st, cfg.OwnerID)
	if err := admins.EnsureOwner(ctx); err != nil {
		logging.Internal.Fatalf("failed to register owner: %v", err)
	}
	gateway := relay.NewGateway(client, relay.DefaultPolicy, cfg.BackupChat)
	sessions := session.NewManager(admins, gateway, cfg.StorageChat)
	filesSvc := files.NewService(st, gateway, archive, cfg.StorageChat)
	restores := restore.NewDispatcher(st, gateway, client, cfg.StorageChat, restore.DefaultItemDelay)

	handler := bot.NewHandler(bot.Deps{
		Client:   client,
		Sessions: sessions,
		Files:    filesSvc,
		Restores: restores,
		Admins:   admins,
		Settings: st,
		Limiter:  bot.NewCommandLimiter(1, 5),
	}, bot.Config{
		BotUsername:       cfg.BotUsername,
		ShareBaseURL:      cfg.ShareBaseURL,
		RetentionFallback: cfg.AutoDelete,
	})

	// Start expiry sweeps
	sweeper := reaper.New(st, filesSvc, reaper.Config{FallbackWindow: cfg.AutoDelete})
	sweeper.Start(ctx)

	// Optional ops endpoints
	var server *http.Server
	if cfg.OpsAddr != "" {
		server = &http.Server{
			Addr:              cfg.OpsAddr,
			Handler:           api.NewRouter(st),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logging.Internal.Printf("starting ops server on %s", cfg.OpsAddr)
			if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				logging.Internal.Printf("ops server error: %v", err)
			}
		}()
	}

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		logging.Internal.Println("shutting down...")
		cancel()

		if server != nil {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer shutdownCancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				logging.Internal.Printf("shutdown error: %v", err)
			}
		}
	}()

	if mock != nil {
		go runMockConsole(ctx, mock)
	}

	logging.Internal.Printf("bot running as @%s (storage chat %d)", cfg.BotUsername, cfg.StorageChat)
	if err := handler.Run(ctx); err != nil {
		logging.Internal.Printf("bot stopped: %v", err)
	}

	sweeper.Stop()
	restores.Wait()
	logging.Internal.Println("stopped")
}
