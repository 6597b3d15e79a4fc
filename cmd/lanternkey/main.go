// Command lanternkey generates or inspects the local Ed25519/X25519
// identity keypair lanternd uses to sign storage RPC requests and address
// itself to service nodes. It lives in its own module entry point, the
// same way the teacher's one-shot database utility does, so it can touch
// internal/* packages without running the daemon.
//
// Usage:
//
//	lanternkey generate   # create a fresh identity, refusing to overwrite one that exists
//	lanternkey show       # print the public keys of the existing identity
//	lanternkey rotate      # overwrite the existing identity with a freshly generated one
//
// Environment variables:
//
//	LANTERN_DB_DSN      SQLite file path or Postgres DSN (default: ./lantern.db)
//	LANTERN_DB_DRIVER   "sqlite" or "postgres" (default: sqlite)
//	LANTERN_SECRET_KEY  Master encryption key — must match the value lanternd runs with
package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/lanterncore/lantern/internal/crypto"
	"github.com/lanterncore/lantern/internal/db"
	"github.com/lanterncore/lantern/internal/identity"
	"github.com/lanterncore/lantern/internal/repositories"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	flag.Parse()
	cmd := flag.Arg(0)
	if cmd == "" {
		return fmt.Errorf("usage: lanternkey <generate|show|rotate>")
	}

	secretKey := os.Getenv("LANTERN_SECRET_KEY")
	if secretKey == "" {
		return fmt.Errorf("LANTERN_SECRET_KEY is not set\n" +
			"  Set it to the same value lanternd runs with, otherwise the\n" +
			"  encrypted identity will be unreadable at startup.")
	}
	keyBytes := make([]byte, 32)
	copy(keyBytes, []byte(secretKey))
	if err := db.InitEncryption(keyBytes); err != nil {
		return fmt.Errorf("init encryption: %w", err)
	}

	dsn := envOrDefault("LANTERN_DB_DSN", "./lantern.db")
	driver := envOrDefault("LANTERN_DB_DRIVER", "sqlite")

	logger, _ := zap.NewDevelopment()
	database, err := db.New(db.Config{
		Driver:   driver,
		DSN:      dsn,
		Logger:   logger,
		LogLevel: gormlogger.Silent,
	})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	sqlDB, err := database.DB()
	if err != nil {
		return fmt.Errorf("get sql.DB: %w", err)
	}
	defer sqlDB.Close()

	settings := repositories.NewSettingsRepository(database)
	ctx := context.Background()

	switch cmd {
	case "generate":
		exists, err := identity.Exists(ctx, settings)
		if err != nil {
			return fmt.Errorf("check existing identity: %w", err)
		}
		if exists {
			return fmt.Errorf("an identity already exists — use 'rotate' to replace it")
		}
		kp, err := identity.Generate(ctx, settings)
		if err != nil {
			return fmt.Errorf("generate identity: %w", err)
		}
		printKeyPair(kp)

	case "rotate":
		kp, err := identity.Generate(ctx, settings)
		if err != nil {
			return fmt.Errorf("rotate identity: %w", err)
		}
		fmt.Println("! identity rotated — any in-flight sessions with other clients are now invalid")
		printKeyPair(kp)

	case "show":
		exists, err := identity.Exists(ctx, settings)
		if err != nil {
			return fmt.Errorf("check existing identity: %w", err)
		}
		if !exists {
			return fmt.Errorf("no identity found — run 'lanternkey generate' first")
		}
		kp, err := identity.LoadOrGenerate(ctx, settings)
		if err != nil {
			return fmt.Errorf("load identity: %w", err)
		}
		printKeyPair(kp)

	default:
		return fmt.Errorf("unknown command %q: usage: lanternkey <generate|show|rotate>", cmd)
	}

	return nil
}

func printKeyPair(kp *crypto.KeyPair) {
	fmt.Printf("ed25519 public: %s\n", hex.EncodeToString(kp.Ed25519Public))
	fmt.Printf("x25519 public:  %s\n", hex.EncodeToString(kp.X25519Public[:]))
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
