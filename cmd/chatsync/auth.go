package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gookit/color"
	"github.com/spf13/cobra"

	"github.com/chatterbox-im/chatsync"
)

var (
	authPassword string
	signupName   string
)

func init() {
	signupCmd.Flags().StringVar(&authPassword, "password", "", "Account password (min 6 characters)")
	signupCmd.Flags().StringVar(&signupName, "name", "", "Display name")
	loginCmd.Flags().StringVar(&authPassword, "password", "", "Account password")
	_ = signupCmd.MarkFlagRequired("password")
	_ = loginCmd.MarkFlagRequired("password")
	rootCmd.AddCommand(signupCmd, loginCmd, logoutCmd, whoamiCmd)
}

var signupCmd = &cobra.Command{
	Use:   "signup <email>",
	Short: "Create an account",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		client, err := newClient(cfg)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		var attrs map[string]any
		if signupName != "" {
			attrs = map[string]any{"name": signupName}
		}
		sess, err := client.Auth().SignUp(ctx, args[0], authPassword, attrs)
		if err != nil {
			return describeAuthError(err)
		}
		if sess == nil {
			fmt.Println("Account created. Check your inbox to confirm the email address, then run 'chatsync login'.")
			return nil
		}
		if err := storeSession(sess); err != nil {
			return err
		}
		fmt.Println(color.New(color.FgGreen).Render("Account created and signed in."))
		printSession(sess)
		return nil
	},
}

var loginCmd = &cobra.Command{
	Use:   "login <email>",
	Short: "Sign in and store the session locally",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		client, err := newClient(cfg)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		sess, err := client.Auth().SignIn(ctx, args[0], authPassword)
		if err != nil {
			return describeAuthError(err)
		}
		if err := storeSession(sess); err != nil {
			return err
		}
		fmt.Println(color.New(color.FgGreen).Render("Signed in."))
		printSession(sess)
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Sign out and forget the stored session",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		client, err := newClient(cfg)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := client.Auth().SignOut(ctx); err != nil {
			logger.Warn("remote sign-out failed", "error", err)
		}

		err = saveConfig(func(c *Config) error {
			c.Auth = ConfigAuth{}
			return nil
		})
		if err != nil {
			return err
		}
		fmt.Println("Signed out.")
		return nil
	},
}

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Show the configured project and the signed-in user",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Project:")
		fmt.Printf("  URL:      %s\n", valueOrDefault(cfg.Default.URL, "(not set)"))
		if cfg.Default.AnonKey != "" {
			fmt.Printf("  Anon key: %s\n", maskKey(cfg.Default.AnonKey))
		} else {
			fmt.Println("  Anon key: (not set)")
		}
		fmt.Printf("  Backend:  %s\n", valueOrDefault(cfg.Store.Backend, "rest"))

		fmt.Println()
		fmt.Println("User:")
		if cfg.Auth.UserID == "" {
			fmt.Println("  (not signed in)")
			return nil
		}
		fmt.Printf("  ID:    %s\n", cfg.Auth.UserID)
		fmt.Printf("  Email: %s\n", valueOrDefault(cfg.Auth.Email, "(unknown)"))
		fmt.Printf("  Name:  %s\n", valueOrDefault(cfg.Auth.Name, "(unknown)"))

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s, err := openSession(ctx, noPush)
		if err != nil {
			fmt.Printf("  Session: %v\n", err)
			return nil
		}
		defer s.close()
		if p, err := s.ctl.Profiles.GetOrFetch(ctx, s.ctl.UserID()); err == nil {
			status := "offline"
			if p.Online {
				status = "online"
			}
			fmt.Printf("  Profile: %s (%s)\n", p.Name, status)
		} else {
			fmt.Printf("  Profile: %v\n", err)
		}
		return nil
	},
}

func storeSession(sess *chatsync.Session) error {
	return saveConfig(func(c *Config) error {
		c.Auth = ConfigAuth{
			AccessToken:  sess.AccessToken,
			RefreshToken: sess.RefreshToken,
			UserID:       sess.User.ID,
			Email:        sess.User.Email,
			Name:         sess.User.Name(),
		}
		return nil
	})
}

func printSession(sess *chatsync.Session) {
	fmt.Printf("  User ID: %s\n", sess.User.ID)
	fmt.Printf("  Email:   %s\n", sess.User.Email)
	if !sess.ExpiresAt.IsZero() {
		fmt.Printf("  Expires: %s\n", sess.ExpiresAt.Format(time.RFC3339))
	}
}

func describeAuthError(err error) error {
	var authErr *chatsync.AuthError
	if !errors.As(err, &authErr) {
		return err
	}
	switch authErr.Reason {
	case chatsync.AuthEmailNotConfirmed:
		return fmt.Errorf("email not confirmed: check your inbox for the confirmation link")
	case chatsync.AuthInvalidCredentials:
		return fmt.Errorf("invalid email or password")
	default:
		return authErr
	}
}
