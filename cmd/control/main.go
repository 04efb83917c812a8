package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/Jeffreasy/LaventeCareBulkMail/internal/audit"
	"github.com/Jeffreasy/LaventeCareBulkMail/internal/auth"
	"github.com/Jeffreasy/LaventeCareBulkMail/internal/config"
	"github.com/Jeffreasy/LaventeCareBulkMail/internal/crypto"
	"github.com/Jeffreasy/LaventeCareBulkMail/internal/mailing"
	"github.com/Jeffreasy/LaventeCareBulkMail/internal/storage"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: control <command> [args]")
		fmt.Println("Commands:")
		fmt.Println("  create-user  Create a user (plan follows the unlimited cutover unless --plan is given)")
		fmt.Println("  set-plan     Change a user's plan")
		fmt.Println("  issue-token  Print a bearer token for a user (development only)")
		os.Exit(1)
	}

	_ = godotenv.Load(".env.local")
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	switch os.Args[1] {
	case "create-user":
		createUserCmd(cfg)
	case "set-plan":
		setPlanCmd(cfg)
	case "issue-token":
		issueTokenCmd(cfg)
	default:
		log.Fatalf("Unknown command: %s", os.Args[1])
	}
}

func openStore(ctx context.Context, cfg config.Config) *storage.Store {
	if cfg.DatabaseURL == "" {
		log.Fatal("DATABASE_URL environment variable is not set")
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}
	pool, err := storage.NewPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to DB: %v", err)
	}
	codec, err := crypto.NewFieldCodec(cfg.EncryptionSecret)
	if err != nil {
		log.Fatalf("Failed to init codec: %v", err)
	}
	return storage.NewStore(pool, codec)
}

func createUserCmd(cfg config.Config) {
	fs := flag.NewFlagSet("create-user", flag.ExitOnError)
	plan := fs.String("plan", "", "FREE or UNLIMITED (default: derived from UNLIMITED_CUTOVER)")
	createdAt := fs.String("created-at", "", "Account creation time, RFC3339 (default: now)")
	fs.Parse(os.Args[2:])

	created := time.Now().UTC()
	if *createdAt != "" {
		t, err := time.Parse(time.RFC3339, *createdAt)
		if err != nil {
			log.Fatalf("Invalid --created-at: %v", err)
		}
		created = t
	}

	p := mailing.PlanForSignup(created, cfg.UnlimitedCutover)
	if *plan != "" {
		p = mailing.Plan(*plan)
		if !p.Valid() {
			log.Fatalf("Invalid plan: %s", *plan)
		}
	}

	ctx := context.Background()
	store := openStore(ctx, cfg)

	u := mailing.User{ID: uuid.New(), Plan: p, CreatedAt: created}
	if err := store.CreateUser(ctx, u); err != nil {
		log.Fatalf("Failed to create user: %v", err)
	}
	fmt.Printf("User created: %s (plan %s)\n", u.ID, u.Plan)
}

func setPlanCmd(cfg config.Config) {
	fs := flag.NewFlagSet("set-plan", flag.ExitOnError)
	user := fs.String("user", "", "User ID (UUID)")
	plan := fs.String("plan", "", "FREE or UNLIMITED")
	fs.Parse(os.Args[2:])

	id, err := uuid.Parse(*user)
	if err != nil {
		fmt.Println("Error: --user must be a UUID")
		fs.PrintDefaults()
		os.Exit(1)
	}
	p := mailing.Plan(*plan)
	if !p.Valid() {
		fmt.Println("Error: --plan must be FREE or UNLIMITED")
		os.Exit(1)
	}

	ctx := context.Background()
	store := openStore(ctx, cfg)
	if err := store.SetUserPlan(ctx, id, p); err != nil {
		log.Fatalf("Failed to set plan: %v", err)
	}
	audit.NewJSONLogger().Log(ctx, uuid.Nil, audit.EventPlanChanged, "user:"+id.String(),
		map[string]string{"plan": string(p), "via": "control"})
	fmt.Printf("Plan updated: %s -> %s\n", id, p)
}

func issueTokenCmd(cfg config.Config) {
	fs := flag.NewFlagSet("issue-token", flag.ExitOnError)
	user := fs.String("user", "", "User ID (UUID)")
	role := fs.String("role", "", "Optional role, e.g. admin")
	ttl := fs.Duration("ttl", time.Hour, "Token lifetime")
	fs.Parse(os.Args[2:])

	if cfg.AppEnv == "production" {
		log.Fatal("issue-token is disabled in production")
	}
	id, err := uuid.Parse(*user)
	if err != nil {
		log.Fatalf("Invalid --user: %v", err)
	}

	p, err := auth.NewHMACProvider(cfg.SessionSecret)
	if err != nil {
		log.Fatalf("Failed to init token provider: %v", err)
	}
	tok, err := p.Issue(id, *role, *ttl)
	if err != nil {
		log.Fatalf("Failed to issue token: %v", err)
	}
	fmt.Println(tok)
}
