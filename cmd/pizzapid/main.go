package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/pizzapi/pizzapi/internal/config"
	"github.com/pizzapi/pizzapi/internal/logger"
	"github.com/pizzapi/pizzapi/internal/relay"
)

func main() {
	var configPath string

	root := &cobra.Command{
		Use:   "pizzapid",
		Short: "PizzaPi session relay hub",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(configPath)
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")

	root.AddCommand(userCmd(&configPath))
	root.AddCommand(keyCmd(&configPath))

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func openStore(configPath string) (*config.Config, *relay.Store, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(cfg.Server.DataDir, 0755); err != nil {
		return nil, nil, fmt.Errorf("create data dir: %w", err)
	}
	store, err := relay.OpenStore(cfg.Server.DBPath)
	if err != nil {
		return nil, nil, err
	}
	return cfg, store, nil
}

func serve(configPath string) error {
	cfg, store, err := openStore(configPath)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := logger.Init(cfg.Logging.Level, cfg.Logging.File); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	srv, err := relay.NewServer(cfg, store)
	if err != nil {
		return fmt.Errorf("init hub: %w", err)
	}

	httpSrv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: srv,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go srv.Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("hub listening", "addr", cfg.Server.Addr, "data_dir", cfg.Server.DataDir)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		srv.Shutdown()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func userCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "manage hub users",
	}

	var email, name string
	var admin bool
	add := &cobra.Command{
		Use:   "add",
		Short: "create a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			if email == "" {
				return fmt.Errorf("--email is required")
			}
			_, store, err := openStore(*configPath)
			if err != nil {
				return err
			}
			defer store.Close()

			id := uuid.NewString()
			if err := store.CreateUser(id, email, name, admin); err != nil {
				return err
			}
			fmt.Printf("user %s created (%s)\n", id, email)
			return nil
		},
	}
	add.Flags().StringVar(&email, "email", "", "user email")
	add.Flags().StringVar(&name, "name", "", "display name")
	add.Flags().BoolVar(&admin, "admin", false, "grant admin rights")
	cmd.AddCommand(add)
	return cmd
}

func keyCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "key",
		Short: "manage API keys",
	}

	var userID, label string
	newKey := &cobra.Command{
		Use:   "new",
		Short: "mint an API key for a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			if userID == "" {
				return fmt.Errorf("--user is required")
			}
			_, store, err := openStore(*configPath)
			if err != nil {
				return err
			}
			defer store.Close()

			key, err := store.CreateAPIKey(userID, label)
			if err != nil {
				return err
			}
			// Printed once; only the hash is stored.
			fmt.Println(key)
			return nil
		},
	}
	newKey.Flags().StringVar(&userID, "user", "", "owning user id")
	newKey.Flags().StringVar(&label, "label", "", "key label")
	cmd.AddCommand(newKey)
	return cmd
}
