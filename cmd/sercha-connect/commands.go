package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/custodia-labs/sercha-connect/internal/adapters/driven/auth"
	httpadapter "github.com/custodia-labs/sercha-connect/internal/adapters/driving/http"
	"github.com/custodia-labs/sercha-connect/internal/config"
	"github.com/custodia-labs/sercha-connect/internal/core/domain"
)

// stdout is swapped in tests.
var stdout io.Writer = os.Stdout

// withApp runs fn with a wired app whose context is cancelled on SIGINT/SIGTERM.
func withApp(fn func(ctx context.Context, a *app) error) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, global)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

// ConnectCmd authorizes a new account.
type ConnectCmd struct {
	Args struct {
		Provider string `positional-arg-name:"provider"`
	} `positional-args:"yes" required:"yes"`
}

func (c *ConnectCmd) Execute(_ []string) error {
	return withApp(func(ctx context.Context, a *app) error {
		view, result, err := a.accounts.Connect(ctx, c.Args.Provider)
		if err != nil {
			return err
		}
		if view == nil {
			return authFailure(result)
		}
		fmt.Fprintf(stdout, "Connected %s as %s\n", view.Key.ProviderID, view.DisplayName())
		return nil
	})
}

// ReauthCmd repairs an existing account.
type ReauthCmd struct {
	Args accountArgs `positional-args:"yes" required:"yes"`
}

func (c *ReauthCmd) Execute(_ []string) error {
	return withApp(func(ctx context.Context, a *app) error {
		key := domain.NewAccountKey(c.Args.Provider, c.Args.User)
		view, result, err := a.accounts.Reauthenticate(ctx, key)
		if err != nil {
			return err
		}
		if result != nil && !result.Success {
			return authFailure(result)
		}
		fmt.Fprintf(stdout, "Reauthorized %s (%s)\n", view.DisplayName(), view.State)
		return nil
	})
}

func authFailure(result *domain.AuthResult) error {
	switch {
	case result == nil:
		return errors.New("authorization failed")
	case result.Cancelled:
		return errors.New("authorization cancelled")
	case result.TimedOut:
		return errors.New("authorization timed out")
	}
	return fmt.Errorf("authorization failed: %s", result.Message())
}

// AccountsCmd lists accounts of one provider, or of every provider.
type AccountsCmd struct {
	Args struct {
		Provider string `positional-arg-name:"provider"`
	} `positional-args:"yes"`
}

func (c *AccountsCmd) Execute(_ []string) error {
	return withApp(func(ctx context.Context, a *app) error {
		providerIDs := []string{c.Args.Provider}
		if c.Args.Provider == "" {
			providerIDs = providerIDs[:0]
			for _, p := range a.providers.List() {
				providerIDs = append(providerIDs, p.ID)
			}
		}

		w := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "PROVIDER\tUSER\tNAME\tSTATE\tACTIVE\tEXPIRES")
		for _, providerID := range providerIDs {
			if _, err := a.providers.Get(providerID); err != nil {
				return err
			}
			views, err := a.accounts.ListAccounts(ctx, providerID)
			if err != nil {
				return err
			}
			for _, v := range views {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					providerID, v.Key.UserID, v.DisplayName(), v.State, activeMark(v.Active), expiry(v.ExpiresAt))
			}
		}
		return w.Flush()
	})
}

func activeMark(active bool) string {
	if active {
		return "*"
	}
	return ""
}

func expiry(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format(time.RFC3339)
}

// UseCmd switches the active account.
type UseCmd struct {
	Args accountArgs `positional-args:"yes" required:"yes"`
}

func (c *UseCmd) Execute(_ []string) error {
	return withApp(func(ctx context.Context, a *app) error {
		view, err := a.accounts.SetActiveAccount(ctx, domain.NewAccountKey(c.Args.Provider, c.Args.User))
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "Active account for %s is now %s (%s)\n", view.Key.ProviderID, view.DisplayName(), view.State)
		return nil
	})
}

// LogoutCmd removes accounts.
type LogoutCmd struct {
	All  bool        `long:"all" description:"remove every account of the provider"`
	Args accountArgs `positional-args:"yes" required:"1"`
}

func (c *LogoutCmd) Execute(_ []string) error {
	if !c.All && c.Args.User == "" {
		return errors.New("logout needs a user id, or --all")
	}
	return withApp(func(ctx context.Context, a *app) error {
		if c.All {
			if err := a.accounts.DisconnectAll(ctx, c.Args.Provider); err != nil {
				return err
			}
			fmt.Fprintf(stdout, "Removed every %s account\n", c.Args.Provider)
			return nil
		}
		if err := a.accounts.Disconnect(ctx, domain.NewAccountKey(c.Args.Provider, c.Args.User)); err != nil {
			return err
		}
		fmt.Fprintf(stdout, "Removed %s account %s\n", c.Args.Provider, c.Args.User)
		return nil
	})
}

// RefreshCmd refreshes an account's token when it is due.
type RefreshCmd struct {
	Args accountArgs `positional-args:"yes" required:"yes"`
}

func (c *RefreshCmd) Execute(_ []string) error {
	return withApp(func(ctx context.Context, a *app) error {
		cred, err := a.accounts.EnsureFresh(ctx, domain.NewAccountKey(c.Args.Provider, c.Args.User))
		if errors.Is(err, domain.ErrReauthRequired) {
			return fmt.Errorf("%w; run: sercha-connect reauth %s %s", err, c.Args.Provider, c.Args.User)
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "Token valid until %s\n", expiry(cred.ExpiresAt))
		return nil
	})
}

// ServeCmd runs the account management API.
type ServeCmd struct {
	Addr    string   `long:"addr" description:"listen address (overrides HOST and PORT)"`
	Origins []string `long:"allow-origin" description:"CORS origin allowed to call the API (repeatable)"`
}

func (c *ServeCmd) Execute(_ []string) error {
	return withApp(func(ctx context.Context, a *app) error {
		if a.cfg.JWTSecret == "" {
			return errors.New("serve requires JWT_SECRET")
		}
		cfg := httpadapter.DefaultConfig()
		cfg.Addr = a.cfg.Addr()
		if c.Addr != "" {
			cfg.Addr = c.Addr
		}
		cfg.Version = version
		cfg.AllowedOrigins = c.Origins
		cfg.Logger = a.logger

		var pinger httpadapter.Pinger
		if a.pinger != nil {
			pinger = a.pinger
		}
		server := httpadapter.NewServer(cfg, a.accounts, a.providers, auth.NewAdapter(a.cfg.JWTSecret), pinger)
		return server.Start(ctx)
	})
}

// AdminTokenCmd prints a bearer token for the API.
type AdminTokenCmd struct {
	Subject string        `long:"subject" default:"admin" description:"token subject"`
	TTL     time.Duration `long:"ttl" default:"24h" description:"token lifetime"`
}

func (c *AdminTokenCmd) Execute(_ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.JWTSecret == "" {
		return errors.New("admin-token requires JWT_SECRET")
	}
	token, err := auth.NewAdapter(cfg.JWTSecret).GenerateToken(c.Subject, c.TTL)
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, token)
	return nil
}

// VersionCmd prints the build version.
type VersionCmd struct{}

func (c *VersionCmd) Execute(_ []string) error {
	fmt.Fprintln(stdout, version)
	return nil
}
