package main

import (
	"bufio"
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"relay/sync/internal/alert"
	"relay/sync/internal/app"
	"relay/sync/internal/backend"
	"relay/sync/internal/config"
	"relay/sync/internal/mention"
	"relay/sync/internal/notify"
)

func main() {
	_ = godotenv.Load(".env")

	conversationID := flag.String("conversation", "", "conversation to tail")
	flag.Parse()
	if *conversationID == "" {
		log.Fatalf("usage: relay-tail -conversation <id>")
	}

	cfg := config.Load()
	if cfg.SelfUserID == "" {
		log.Fatalf("RELAY_SELF_USER must be set")
	}
	ctx := context.Background()

	db, err := backend.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := backend.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}
	dataStore := backend.NewPostgresStore(db)

	transport, err := backend.NewRedisTransport(cfg.RedisURL)
	if err != nil {
		log.Fatalf("redis connection failed: %v", err)
	}
	defer transport.Close()

	var objects *backend.MinioObjects
	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		objects, err = backend.NewMinioObjects(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
		if err != nil {
			log.Fatalf("minio connection failed: %v", err)
		}
		if err := objects.EnsureBucket(ctx); err != nil {
			log.Fatalf("minio bucket setup failed: %v", err)
		}
	}

	var sinks []notify.AlertSink
	sinks = append(sinks, func(rec notify.Record) {
		log.Printf("[alert] %s: %s", rec.DisplayName, rec.Preview)
	})
	mailer := alert.NewMailer(alert.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		FromName: cfg.SMTPFromName,
	})
	if mailer.IsConfigured() && cfg.SelfEmail != "" {
		log.Printf("Email alerts enabled for %s", cfg.SelfEmail)
		sinks = append(sinks, mailer.NotificationSink(cfg.SelfEmail))
	}

	service := app.New(cfg, dataStore, transport, objects, sinks...)
	defer service.Close()

	if err := service.Start(ctx); err != nil {
		log.Fatalf("notification feed failed: %v", err)
	}
	service.SwitchScope(ctx, *conversationID)
	log.Printf("Tailing conversation %s as %s", *conversationID, cfg.SelfUserID)

	// Lines typed on stdin are sent as messages.
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			if _, err := service.SendMessage(ctx, line, app.SendOptions{}); err != nil {
				log.Printf("send failed: %v", err)
			}
		}
	}()

	// The timeline only changes through feed echoes, so a poll of the
	// in-memory sequence is all the rendering loop needs.
	go func() {
		seen := make(map[string]bool)
		ticker := time.NewTicker(500 * time.Millisecond)
		defer ticker.Stop()
		for range ticker.C {
			if err := service.LoadError(); err != nil {
				log.Printf("load error: %v", err)
				continue
			}
			for _, msg := range service.GetMessages() {
				if seen[msg.ID] {
					continue
				}
				seen[msg.ID] = true
				log.Printf("[%s] %s: %s", msg.CreatedAt.Format(time.Kitchen), msg.AuthorID, renderContent(msg.Content))
			}
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("shutting down")
}

// renderContent flattens encoded mention markers into their display text.
func renderContent(content string) string {
	var b strings.Builder
	for _, seg := range mention.Split(content) {
		if seg.Mention != nil {
			b.WriteString("@" + seg.Mention.DisplayText)
			continue
		}
		b.WriteString(seg.Literal)
	}
	return b.String()
}
