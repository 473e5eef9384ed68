package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	firebase "firebase.google.com/go/v4"

	"github.com/driftchat/drift/internal/config"
	"github.com/driftchat/drift/internal/gateway"
	"github.com/driftchat/drift/internal/identity"
	"github.com/driftchat/drift/internal/messaging"
	"github.com/driftchat/drift/internal/moderation"
	"github.com/driftchat/drift/internal/rtc"
	"github.com/driftchat/drift/internal/store"
)

func main() {
	log.Println("Starting drift gateway...")

	cfg := config.MustLoad()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatalf("failed to open document store: %v", err)
	}
	defer closeStore()

	natsConfig := messaging.DefaultConfig()
	natsConfig.URL = cfg.NATSURL
	natsConfig.Name = "drift-gateway"
	natsClient, err := messaging.NewClient(natsConfig)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}
	defer natsClient.Close()

	gwConfig := gateway.DefaultConfig()
	gwConfig.ListenAddr = cfg.ListenAddr

	server := gateway.NewServer(gwConfig, st, rtc.NewPion(cfg.STUNServers), moderation.NewFilter())
	server.OnReportFiled(func(reportID string) {
		if err := natsClient.PublishReportFiled(reportID); err != nil {
			log.Printf("[gateway] publish report %s: %v", reportID, err)
		}
	})
	server.OnMatchFound(func(roomID string) {
		if err := natsClient.PublishMatchFound(roomID, []byte(roomID)); err != nil {
			log.Printf("[gateway] publish match %s: %v", roomID, err)
		}
	})

	// On the Firestore backend, identities come from Firebase Auth
	// anonymous users; everywhere else each connection gets a local
	// anonymous id.
	if cfg.Store == "firestore" {
		app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: cfg.FirestoreProject})
		if err != nil {
			log.Fatalf("failed to initialize firebase app: %v", err)
		}
		server.UseIdentityFactory(func() identity.Provider {
			provider, err := identity.NewFirebase(ctx, app)
			if err != nil {
				log.Printf("[gateway] firebase identity unavailable: %v", err)
				return identity.NewAnonymous()
			}
			return provider
		})
	}

	log.Printf("drift gateway running")
	log.Printf("  listen_addr: %s", gwConfig.ListenAddr)
	log.Printf("  store:       %s", cfg.Store)
	log.Printf("  nats_url:    %s", natsConfig.URL)

	if err := server.Run(ctx); err != nil {
		log.Fatalf("gateway stopped: %v", err)
	}
	log.Println("gateway shut down")
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
