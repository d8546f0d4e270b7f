// ABOUTME: Persisted registry subcommands: workers, pools, credentials and admin tokens
// ABOUTME: Opens the configured SQLite database directly; the gateway need not be running

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"github.com/2389/fleet-gateway/internal/auth"
	"github.com/2389/fleet-gateway/internal/store"
)

func openStore() (*store.SQLiteStore, error) {
	cfg, _, err := loadConfig()
	if err != nil {
		return nil, err
	}
	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	return s, nil
}

func runWorker(ctx context.Context, args []string) error {
	subcmd := "list"
	if len(args) > 0 {
		subcmd, args = args[0], args[1:]
	}

	s, err := openStore()
	if err != nil {
		return err
	}
	defer s.Close()

	switch subcmd {
	case "list":
		return workerList(ctx, s)
	case "add":
		return workerAdd(ctx, s, args)
	case "status":
		if len(args) != 2 {
			return errors.New("usage: worker status ID STATUS")
		}
		if err := s.SetWorkerStatus(ctx, args[0], store.WorkerStatus(args[1])); err != nil {
			return err
		}
		color.Green("  ✓ %s is now %s", args[0], args[1])
		return nil
	case "credential":
		if len(args) != 2 {
			return errors.New("usage: worker credential ID SECRET")
		}
		hash, err := auth.HashCredential(args[1])
		if err != nil {
			return err
		}
		if err := s.SetWorkerCredential(ctx, args[0], hash); err != nil {
			return err
		}
		color.Green("  ✓ Stored credential for %s", args[0])
		return nil
	default:
		return fmt.Errorf("unknown worker subcommand: %s", subcmd)
	}
}

func workerList(ctx context.Context, s store.Store) error {
	workers, err := s.ListWorkers(ctx)
	if err != nil {
		return err
	}
	if len(workers) == 0 {
		fmt.Println("No workers registered.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  ID\tNAME\tPOOL\tCLIENT\tSTATUS\tUPDATED")
	fmt.Fprintln(w, "  --\t----\t----\t------\t------\t-------")
	for _, wk := range workers {
		status := string(wk.Status)
		if wk.Status != store.WorkerActive {
			status = color.YellowString(status)
		}
		fmt.Fprintf(w, "  %s\t%s\t%s\t%s\t%s\t%s\n",
			truncate(wk.ID, 24), truncate(wk.Name, 24), dash(wk.PoolID), dash(wk.ClientID),
			status, wk.UpdatedAt.Local().Format("Jan 02 15:04"))
	}
	return w.Flush()
}

func workerAdd(ctx context.Context, s store.Store, args []string) error {
	fs := flag.NewFlagSet("worker add", flag.ContinueOnError)
	id := fs.String("id", "", "worker id (matches the hello agentId)")
	name := fs.String("name", "", "display name")
	pool := fs.String("pool", "", "pool id")
	clientID := fs.String("client-id", "", "application id used for invite links")
	status := fs.String("status", string(store.WorkerActive), "initial status")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *id == "" {
		return errors.New("-id is required")
	}

	w := &store.Worker{
		ID:       *id,
		Name:     *name,
		PoolID:   *pool,
		ClientID: *clientID,
		Status:   store.WorkerStatus(*status),
	}
	if existing, err := s.GetWorker(ctx, *id); err == nil {
		w.CreatedAt = existing.CreatedAt
	}
	if err := s.UpsertWorker(ctx, w); err != nil {
		return err
	}
	color.Green("  ✓ Saved worker %s", *id)
	return nil
}

func runPool(ctx context.Context, args []string) error {
	subcmd := "list"
	if len(args) > 0 {
		subcmd, args = args[0], args[1:]
	}

	s, err := openStore()
	if err != nil {
		return err
	}
	defer s.Close()

	switch subcmd {
	case "list":
		pools, err := s.ListPools(ctx)
		if err != nil {
			return err
		}
		if len(pools) == 0 {
			fmt.Println("No pools.")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "  ID\tNAME\tOWNER\tCREATED")
		fmt.Fprintln(w, "  --\t----\t-----\t-------")
		for _, p := range pools {
			fmt.Fprintf(w, "  %s\t%s\t%s\t%s\n", p.ID, dash(p.Name), p.OwnerUserID, p.CreatedAt.Local().Format("Jan 02 15:04"))
		}
		return w.Flush()

	case "create":
		fs := flag.NewFlagSet("pool create", flag.ContinueOnError)
		id := fs.String("id", "", "pool id")
		name := fs.String("name", "", "display name")
		owner := fs.String("owner", "", "owner user id")
		if err := fs.Parse(args); err != nil {
			return err
		}
		if *id == "" || *owner == "" {
			return errors.New("-id and -owner are required")
		}
		if err := s.CreatePool(ctx, &store.Pool{ID: *id, Name: *name, OwnerUserID: *owner}); err != nil {
			return err
		}
		color.Green("  ✓ Created pool %s", *id)
		return nil

	default:
		return fmt.Errorf("unknown pool subcommand: %s", subcmd)
	}
}

func runToken(args []string) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	subject := fs.String("subject", "", "who the token is for")
	role := fs.String("role", auth.RoleAdmin, "admin or viewer")
	ttl := fs.Duration("ttl", 30*24*time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *subject == "" {
		return errors.New("-subject is required")
	}
	if *role != auth.RoleAdmin && *role != auth.RoleViewer {
		return fmt.Errorf("unknown role %q", *role)
	}

	cfg, configPath, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("jwt_secret not configured in %s", configPath)
	}

	token, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret)).Generate(*subject, *role, *ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}
	fmt.Println(token)
	return nil
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
