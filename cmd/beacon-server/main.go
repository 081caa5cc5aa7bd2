package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/beacon/internal/config"
	"github.com/ehr/beacon/internal/platform/auth"
	"github.com/ehr/beacon/internal/platform/chat"
	"github.com/ehr/beacon/internal/platform/fhir"
	"github.com/ehr/beacon/internal/server"
)

// Exit codes: 0 clean, 1 configuration error, 2 serve failure.
const (
	exitConfig = 1
	exitServe  = 2
)

func main() {
	log := zerolog.New(os.Stderr).With().Timestamp().Logger()

	var (
		configPath  string
		listen      string
		tenantSpecs []string
		smartNames  []string
		smartSecret string
		chatSite    string
		chatID      string
		chatKey     string
	)

	root := &cobra.Command{
		Use:           "beacon-server",
		Short:         "Multi-tenant in-memory FHIR server with topic-based subscriptions",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Start the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				log.Error().Err(err).Msg("configuration failed")
				os.Exit(exitConfig)
			}
			if listen != "" {
				cfg.Listen = listen
			}
			for _, spec := range tenantSpecs {
				ts, err := config.ParseTenantSpec(spec)
				if err != nil {
					log.Error().Err(err).Msg("bad --tenant flag")
					os.Exit(exitConfig)
				}
				cfg.Tenants = append(cfg.Tenants, ts)
			}
			if len(smartNames) > 0 {
				cfg.Smart.Required = smartNames
			}
			if smartSecret != "" {
				cfg.Smart.Secret = smartSecret
			}
			if chatSite != "" {
				cfg.Chat.Site = chatSite
			}
			if chatID != "" {
				cfg.Chat.Identity = chatID
			}
			if chatKey != "" {
				cfg.Chat.Key = chatKey
			}
			if err := cfg.Validate(); err != nil {
				log.Error().Err(err).Msg("configuration invalid")
				os.Exit(exitConfig)
			}
			return run(cfg, log)
		},
	}

	serve.Flags().StringVarP(&configPath, "config", "c", "", "configuration file")
	serve.Flags().StringVar(&listen, "listen", "", "listen address (host:port)")
	serve.Flags().StringArrayVar(&tenantSpecs, "tenant", nil,
		"tenant spec name:version:baseURL[:loadDir][:maxResources] (repeatable)")
	serve.Flags().StringSliceVar(&smartNames, "smart-required", nil, "tenants behind the SMART gate")
	serve.Flags().StringVar(&smartSecret, "smart-secret", "", "SMART token signing secret")
	serve.Flags().StringVar(&chatSite, "chat-site", "", "chat server base URL")
	serve.Flags().StringVar(&chatID, "chat-id", "", "chat bot identity")
	serve.Flags().StringVar(&chatKey, "chat-key", "", "chat bot API key")

	root.AddCommand(serve)

	if err := root.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(exitServe)
	}
}

func run(cfg *config.Config, log zerolog.Logger) error {
	var chatSender fhir.ChatSender
	if cfg.Chat.Site != "" {
		sender, err := chat.NewPool(log).Get(chat.Config{
			Site:     cfg.Chat.Site,
			Identity: cfg.Chat.Identity,
			Key:      cfg.Chat.Key,
		})
		if err != nil {
			log.Error().Err(err).Msg("chat configuration invalid")
			os.Exit(exitConfig)
		}
		chatSender = sender
	}

	dispatcher := fhir.NewDispatcher(chatSender, log)
	manager := fhir.NewManager(dispatcher, log)
	for _, ts := range cfg.Tenants {
		_, err := manager.AddTenant(fhir.TenantConfig{
			Name:          ts.Name,
			Version:       ts.Version,
			BaseURL:       ts.BaseURL,
			LoadDir:       ts.LoadDir,
			MaxResources:  ts.MaxResources,
			ProtectLoaded: ts.ProtectLoaded,
			SmartRequired: cfg.SmartRequired(ts.Name),
		})
		if err != nil {
			log.Error().Err(err).Str("tenant", ts.Name).Msg("tenant startup failed")
			os.Exit(exitConfig)
		}
	}
	if err := manager.Start(); err != nil {
		return err
	}

	var gate *auth.Gate
	if len(cfg.Smart.Required) > 0 {
		gate = auth.NewGate(cfg.Smart.Secret, cfg.Smart.Issuer, log)
	}
	srv := server.New(manager, gate, log)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(cfg.Listen); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		manager.Stop()
		return err
	case sig := <-stop:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("listener shutdown incomplete")
	}
	manager.Stop()
	return nil
}
