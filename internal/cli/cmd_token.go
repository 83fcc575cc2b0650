package cli

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/koltyakov/tunnel/internal/auth"
	"github.com/koltyakov/tunnel/internal/domain"
	"github.com/koltyakov/tunnel/internal/store/sqlite"
	"github.com/koltyakov/tunnel/internal/subdomain"
)

func runToken(ctx context.Context, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: tunnel token <create|list|delete|subdomain> [flags]")
		return 2
	}
	loadTunnelEnvFromDotEnv(".env")
	switch args[0] {
	case "create":
		return runTokenCreate(ctx, args[1:], os.Stdout)
	case "list":
		return runTokenList(ctx, args[1:], os.Stdout)
	case "delete":
		return runTokenDelete(ctx, args[1:], os.Stdout)
	case "subdomain":
		return runTokenSubdomain(ctx, args[1:], os.Stdout)
	default:
		fmt.Fprintln(os.Stderr, "unknown token command:", args[0])
		return 2
	}
}

func runTokenCreate(ctx context.Context, args []string, out io.Writer) int {
	fs := flag.NewFlagSet("token-create", flag.ContinueOnError)
	var dbPath, pepper, sub string
	fs.StringVar(&dbPath, "db", defaultDBPath(), "sqlite db path")
	fs.StringVar(&pepper, "token-pepper", envOr("TUNNEL_TOKEN_PEPPER", ""), "token hash pepper")
	fs.StringVar(&sub, "subdomain", "", "reserve a subdomain for the new token")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if sub != "" && !subdomain.IsValid(sub) {
		fmt.Fprintln(os.Stderr, "token create error:", domain.ErrInvalidSubdomain)
		return 2
	}

	store, code := openSQLiteStoreOrExit(dbPath)
	if code != 0 {
		return code
	}
	defer func() { _ = store.Close() }()

	plain, err := auth.GenerateToken()
	if err != nil {
		fmt.Fprintln(os.Stderr, "generate token:", err)
		return 1
	}
	rec, err := store.CreateToken(ctx, auth.HashToken(plain, pepper))
	if err != nil {
		fmt.Fprintln(os.Stderr, "create token:", err)
		return 1
	}
	if sub != "" {
		if err := store.SetTokenSubdomain(ctx, rec.ID, sub); err != nil {
			_ = store.DeleteToken(ctx, rec.ID)
			fmt.Fprintln(os.Stderr, "reserve subdomain:", err)
			return 1
		}
	}
	fmt.Fprintln(out, "id:", rec.ID)
	if sub != "" {
		fmt.Fprintln(out, "subdomain:", sub)
	}
	fmt.Fprintln(out, "token:", plain)
	return 0
}

func runTokenList(ctx context.Context, args []string, out io.Writer) int {
	fs := flag.NewFlagSet("token-list", flag.ContinueOnError)
	var dbPath string
	fs.StringVar(&dbPath, "db", defaultDBPath(), "sqlite db path")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	store, code := openSQLiteStoreOrExit(dbPath)
	if code != 0 {
		return code
	}
	defer func() { _ = store.Close() }()

	tokens, err := store.ListTokens(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, "list tokens:", err)
		return 1
	}
	for _, tok := range tokens {
		sub := tok.Subdomain
		if sub == "" {
			sub = "-"
		}
		lastUsed := "never"
		if tok.LastUsedAt != nil {
			lastUsed = tok.LastUsedAt.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(out, "%d\tsubdomain=%s\tcreated=%s\tlast_used=%s\n", tok.ID, sub, tok.CreatedAt.UTC().Format(time.RFC3339), lastUsed)
	}
	return 0
}

func runTokenDelete(ctx context.Context, args []string, out io.Writer) int {
	fs := flag.NewFlagSet("token-delete", flag.ContinueOnError)
	var dbPath string
	var id int64
	fs.StringVar(&dbPath, "db", defaultDBPath(), "sqlite db path")
	fs.Int64Var(&id, "id", 0, "token id")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if id <= 0 {
		fmt.Fprintln(os.Stderr, "missing --id")
		return 2
	}

	store, code := openSQLiteStoreOrExit(dbPath)
	if code != 0 {
		return code
	}
	defer func() { _ = store.Close() }()

	if err := store.DeleteToken(ctx, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			fmt.Fprintln(os.Stderr, "token not found:", id)
			return 1
		}
		fmt.Fprintln(os.Stderr, "delete token:", err)
		return 1
	}
	fmt.Fprintln(out, "deleted:", id)
	return 0
}

func runTokenSubdomain(ctx context.Context, args []string, out io.Writer) int {
	fs := flag.NewFlagSet("token-subdomain", flag.ContinueOnError)
	var dbPath, sub string
	var id int64
	fs.StringVar(&dbPath, "db", defaultDBPath(), "sqlite db path")
	fs.Int64Var(&id, "id", 0, "token id")
	fs.StringVar(&sub, "subdomain", "", "subdomain to reserve; empty clears")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if id <= 0 {
		fmt.Fprintln(os.Stderr, "missing --id")
		return 2
	}
	if sub != "" && !subdomain.IsValid(sub) {
		fmt.Fprintln(os.Stderr, "token subdomain error:", domain.ErrInvalidSubdomain)
		return 2
	}

	store, code := openSQLiteStoreOrExit(dbPath)
	if code != 0 {
		return code
	}
	defer func() { _ = store.Close() }()

	if err := store.SetTokenSubdomain(ctx, id, sub); err != nil {
		switch {
		case errors.Is(err, sql.ErrNoRows):
			fmt.Fprintln(os.Stderr, "token not found:", id)
		case errors.Is(err, domain.ErrSubdomainInUse):
			fmt.Fprintln(os.Stderr, "subdomain already reserved:", sub)
		default:
			fmt.Fprintln(os.Stderr, "set subdomain:", err)
		}
		return 1
	}
	if sub == "" {
		fmt.Fprintln(out, "cleared subdomain for:", id)
	} else {
		fmt.Fprintf(out, "reserved %s for: %d\n", sub, id)
	}
	return 0
}

func defaultDBPath() string {
	return envOr("TUNNEL_DB_PATH", "./tunnel.db")
}

func openSQLiteStoreOrExit(path string) (*sqlite.Store, int) {
	store, err := sqlite.Open(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "db error:", err)
		return nil, 1
	}
	return store, 0
}
