package main

import (
	"context"
	"errors"
	"log"
	"os/signal"
	"syscall"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/imagify-app/imagify-desk/internal/archive"
	"github.com/imagify-app/imagify-desk/internal/backend"
	"github.com/imagify-app/imagify-desk/internal/config"
	"github.com/imagify-app/imagify-desk/internal/session"
	"github.com/imagify-app/imagify-desk/internal/store"
	"github.com/imagify-app/imagify-desk/internal/telegram"
	"github.com/imagify-app/imagify-desk/internal/web"
	"github.com/imagify-app/imagify-desk/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logr := logger.New()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// State lives in files by default; Redis takes over for shared
	// deployments.
	var (
		tokens    store.TokenStore
		history   store.HistoryStore
		newTokens func(scope string) (store.TokenStore, error)
	)
	if cfg.RedisAddr != "" {
		client, err := store.Connect(ctx, cfg.RedisAddr, cfg.RedisDB)
		if err != nil {
			log.Fatalf("redis connect: %v", err)
		}
		defer client.Close()

		rs := store.NewRedisStore(client, "default")
		tokens, history = rs, rs
		newTokens = func(scope string) (store.TokenStore, error) {
			return store.NewRedisStore(client, scope), nil
		}
	} else {
		fs, err := store.NewFileStore(cfg.StateDir, "default")
		if err != nil {
			log.Fatalf("state dir: %v", err)
		}
		tokens, history = fs, fs
		newTokens = func(scope string) (store.TokenStore, error) {
			return store.NewFileStore(cfg.StateDir, scope)
		}
	}

	api := backend.NewClient(cfg, logr)

	sess := session.NewManager(api, tokens, logr)
	defer sess.Dispose()

	unsubscribe := sess.Subscribe(func(snap session.Snapshot) {
		logr.Info("session changed", "state", snap.State, "credits", snap.Credits)
	})
	defer unsubscribe()

	// Silent token-to-profile resolution; falls back to anonymous on any
	// failure.
	sess.Init(ctx)

	var archiver web.ImageArchiver
	if cfg.ArchiveEnabled() {
		uploader, err := archive.NewUploader(archive.Config{
			Endpoint:      cfg.S3Endpoint,
			Region:        cfg.S3Region,
			AccessKey:     cfg.S3AccessKey,
			SecretKey:     cfg.S3SecretKey,
			Bucket:        cfg.S3Bucket,
			PublicBaseURL: cfg.S3PublicBaseURL,
			UsePathStyle:  cfg.S3UsePathStyle,
			Prefix:        cfg.S3Prefix,
		})
		if err != nil {
			log.Fatalf("archive uploader: %v", err)
		}
		archiver = uploader
	}

	server, err := web.NewServer(cfg.ListenAddr, logr, sess, history, archiver, cfg.RazorpayKeyID, cfg.PaymentProvider)
	if err != nil {
		log.Fatalf("workspace server: %v", err)
	}

	if cfg.TelegramBotToken != "" {
		botAPI, err := tgbotapi.NewBotAPI(cfg.TelegramBotToken)
		if err != nil {
			log.Fatalf("telegram bot: %v", err)
		}
		sessions := func(scope string) (*session.Manager, error) {
			scoped, err := newTokens(scope)
			if err != nil {
				return nil, err
			}
			return session.NewManager(api, scoped, logr), nil
		}
		bot := telegram.NewBot(botAPI, logr, sessions, history, "http://"+cfg.ListenAddr)
		go func() {
			if err := bot.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logr.Error("telegram surface stopped", "err", err)
			}
		}()
	}

	if err := server.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logr.Error("workspace stopped", "err", err)
	}
}
