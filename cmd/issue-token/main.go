// Command issue-token mints a session token for a user, creating the user
// if needed. It reads the same configuration as the server.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/Tyrowin/chatcanvas/internal/auth"
	"github.com/Tyrowin/chatcanvas/internal/presence"
	"github.com/Tyrowin/chatcanvas/internal/server"
	"github.com/Tyrowin/chatcanvas/internal/store"
	"github.com/Tyrowin/chatcanvas/internal/store/sqlite"
)

func main() {
	flags := pflag.NewFlagSet("issue-token", pflag.ExitOnError)
	configPath := flags.String("config", "", "path to a YAML config file")
	flags.String("db", "chatcanvas.db", "SQLite database path")
	name := flags.String("name", "", "display name of the user")
	_ = flags.Parse(os.Args[1:])

	if err := run(*configPath, *name, flags); err != nil {
		fmt.Fprintf(os.Stderr, "issue-token: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, name string, flags *pflag.FlagSet) error {
	if name == "" {
		return errors.New("--name is required")
	}

	cfg, err := server.LoadConfig(configPath, flags)
	if err != nil {
		return err
	}

	st, err := sqlite.Open(sqlite.Config{Path: cfg.Database.Path, Logger: zap.NewNop()})
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	ctx := context.Background()
	user, err := st.FindUserByName(ctx, name)
	if errors.Is(err, store.ErrNotFound) {
		user, err = st.CreateUser(ctx, store.User{Name: name})
	}
	if err != nil {
		return fmt.Errorf("resolve user %q: %w", name, err)
	}

	token, err := auth.NewIssuer(cfg.Auth.Secret, cfg.Auth.TokenTTL).Issue(presence.Identity{ID: user.ID, Name: user.Name})
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}
