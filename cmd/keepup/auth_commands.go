package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/keepup"
	"github.com/loykin/keepup/internal/auth"
	"github.com/loykin/keepup/pkg/client"
)

func createTokenCommand(c command, global *GlobalFlags) *cobra.Command {
	f := &TokenFlags{}
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a JWT for the API",
		Long: `Sign a token with the shared secret. --secret defaults to auth.jwt_secret
from --config; issuer and audience default to the configured ones as well.

Example:
  keepup token --config config.toml --subject deploy-bot --roles operator --ttl 1h`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.Token(*f, global.ConfigPath)
		},
	}
	cmd.Flags().StringVar(&f.Secret, "secret", "", "HMAC secret (default auth.jwt_secret)")
	cmd.Flags().StringVar(&f.Subject, "subject", "", "token subject (required)")
	cmd.Flags().StringSliceVar(&f.Roles, "roles", []string{auth.RoleViewer}, "roles: viewer, operator, admin")
	cmd.Flags().DurationVar(&f.TTL, "ttl", auth.DefaultTokenTTL, "token lifetime")
	cmd.Flags().StringVar(&f.Issuer, "issuer", "", "issuer claim (default auth.issuer)")
	cmd.Flags().StringVar(&f.Audience, "audience", "", "audience claim (default auth.audience)")
	if err := cmd.MarkFlagRequired("subject"); err != nil {
		panic(err)
	}
	return cmd
}

func (c command) Token(f TokenFlags, configPath string) error {
	if f.Secret == "" || f.Issuer == "" || f.Audience == "" {
		cfg, err := keepup.LoadConfig(configPath)
		if err != nil {
			return fmt.Errorf("error loading config: %w", err)
		}
		if f.Secret == "" {
			f.Secret = cfg.Auth.JWTSecret
		}
		if f.Issuer == "" {
			f.Issuer = cfg.Auth.Issuer
		}
		if f.Audience == "" {
			f.Audience = cfg.Auth.Audience
		}
	}
	if f.Secret == "" {
		return errors.New("no secret: use --secret or set auth.jwt_secret")
	}
	v := auth.NewJWTVerifier(auth.JWTConfig{
		Secret:   []byte(f.Secret),
		Issuer:   f.Issuer,
		Audience: f.Audience,
	})
	tok, _, err := v.Issue(f.Subject, f.Roles, f.TTL)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintln(c.out, tok)
	return nil
}

func createHashPasswordCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "hash-password",
		Short: "Read a password from stdin and print its bcrypt hash",
		Long: `Print a hash for auth.users password_hash.

Example:
  printf '%s' "$PASSWORD" | keepup hash-password`,
		Args: cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			return c.HashPassword()
		},
	}
}

func (c command) HashPassword() error {
	pw, err := readLine(c.in)
	if err != nil {
		return err
	}
	h, err := auth.HashPassword(pw)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintln(c.out, h)
	return nil
}

func createLoginCommand(c command) *cobra.Command {
	f := &LoginFlags{}
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Exchange basic credentials for a token and save it",
		Long: `Log in to a daemon. The password is read from KEEPUP_PASSWORD or stdin.
Later commands use the saved token unless --token or --user is given.

Example:
  keepup login --api-url https://host:8420/api --user ops`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.Login(cmd, *f)
		},
	}
	bindAPIFlags(cmd, &f.API)
	cmd.Flags().StringSliceVar(&f.Roles, "roles", nil, "narrow the token to these roles")
	cmd.Flags().DurationVar(&f.TTL, "ttl", 0, "token lifetime (server default when zero)")
	if err := cmd.MarkFlagRequired("user"); err != nil {
		panic(err)
	}
	return cmd
}

func (c command) Login(cmd *cobra.Command, f LoginFlags) error {
	if f.API.Password == "" {
		f.API.Password = os.Getenv("KEEPUP_PASSWORD")
	}
	if f.API.Password == "" {
		pw, err := readLine(c.in)
		if err != nil {
			return err
		}
		f.API.Password = pw
	}
	if f.API.APIUrl == "" {
		f.API.APIUrl = client.DefaultBaseURL
	}
	cl, err := c.newAPIClient(f.API)
	if err != nil {
		return err
	}
	tok, err := cl.Token(cmd.Context(), client.TokenRequest{TTL: f.TTL, Roles: f.Roles})
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	err = c.sessions.Save(&Session{
		Token:     tok.Token,
		ExpiresAt: tok.ExpiresAt,
		Username:  f.API.Username,
		ServerURL: f.API.APIUrl,
	})
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	_, _ = fmt.Fprintf(c.out, "Logged in as %s until %s\n", f.API.Username, tok.ExpiresAt.Local().Format(time.RFC3339))
	return nil
}

func createLogoutCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the saved token",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			if err := c.sessions.Clear(); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(c.out, "Logged out")
			return nil
		},
	}
}

// readLine returns the first line of r without the line ending.
func readLine(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read password: %w", err)
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return "", errors.New("empty password on stdin")
	}
	return line, nil
}
