package main

import (
	"context"
	"database/sql"
	"log"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/driftchat/drift/internal/config"
	"github.com/driftchat/drift/internal/messaging"
	"github.com/driftchat/drift/internal/report"
	"github.com/driftchat/drift/internal/store"
)

const reportsCollection = "reports"

func main() {
	log.Println("Starting drift moderator service...")

	cfg := config.MustLoad()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatalf("failed to open document store: %v", err)
	}
	defer closeStore()

	db, err := sql.Open("postgres", cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("failed to open PostgreSQL: %v", err)
	}
	defer db.Close()

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	if err := db.PingContext(pingCtx); err != nil {
		cancel()
		log.Fatalf("failed to connect to PostgreSQL: %v", err)
	}
	cancel()

	if err := report.Migrate(db); err != nil {
		log.Fatalf("failed to migrate report schema: %v", err)
	}
	archive := report.NewStore(db)

	natsConfig := messaging.DefaultConfig()
	natsConfig.URL = cfg.NATSURL
	natsConfig.Name = "drift-moderator"
	natsClient, err := messaging.NewClient(natsConfig)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}

	err = natsClient.SubscribeReportFiled(func(reportID string) {
		if err := archiveReport(ctx, st, archive, reportID); err != nil {
			log.Printf("[moderator] archive report %s: %v", reportID, err)
			return
		}
		log.Printf("[moderator] archived report %s", reportID)
	})
	if err != nil {
		log.Fatalf("failed to subscribe to report feed: %v", err)
	}

	log.Printf("drift moderator service running")
	log.Printf("  store:    %s", cfg.Store)
	log.Printf("  nats_url: %s", natsConfig.URL)

	<-ctx.Done()
	log.Println("shutting down...")
	natsClient.Close()
}

// archiveReport copies one filed report from the document store into the
// PostgreSQL archive.
func archiveReport(ctx context.Context, st store.Store, archive *report.Store, reportID string) error {
	doc, ok, err := st.Get(ctx, store.Join(reportsCollection, reportID))
	if err != nil {
		return err
	}
	if !ok {
		log.Printf("[moderator] report %s not found in store", reportID)
		return nil
	}

	rec := &report.Report{
		ReportID:   reportID,
		ReporterID: store.AsString(doc.Data["reporterId"]),
		ReportedID: store.AsString(doc.Data["reportedUserId"]),
		RoomID:     store.AsString(doc.Data["roomId"]),
		FiledAt:    time.UnixMilli(store.AsInt64(doc.Data["timestamp"])),
	}
	if raw, ok := doc.Data["messages"].([]any); ok {
		for _, item := range raw {
			entry, ok := item.(map[string]any)
			if !ok {
				continue
			}
			rec.Messages = append(rec.Messages, report.MessageEntry{
				SenderID: store.AsString(entry["senderId"]),
				Text:     store.AsString(entry["text"]),
				SentAt:   store.AsInt64(entry["sentAt"]),
			})
		}
	}

	return archive.Archive(ctx, rec)
}

// openStore builds the configured document store backend.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, func(), error) {
	switch cfg.Store {
	case "memory":
		return store.NewMemory(), func() {}, nil
	case "firestore":
		fs, err := store.NewFirestore(ctx, cfg.FirestoreProject)
		if err != nil {
			return nil, nil, err
		}
		return fs, func() { fs.Close() }, nil
	default:
		rs, err := store.NewRedis(cfg.RedisAddr)
		if err != nil {
			return nil, nil, err
		}
		return rs, func() { rs.Close() }, nil
	}
}
