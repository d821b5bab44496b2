package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mkraev/switchboard/internal/bot"
	"github.com/mkraev/switchboard/internal/channel"
	discordchannel "github.com/mkraev/switchboard/internal/channel/discord"
	slackchannel "github.com/mkraev/switchboard/internal/channel/slack"
	"github.com/mkraev/switchboard/internal/config"
	"github.com/mkraev/switchboard/internal/db"
)

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the Switchboard daemon",
		Long:  "Connects to the configured chat platform, watches the request database, and dispatches requests to operators.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "switchboard.yaml", "path to Switchboard config file")
	return cmd
}

func runServe(cmd *cobra.Command, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	gormDB, err := db.Connect(cfg.DB.Host, cfg.DB.Port, cfg.DB.Database)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", cfg.DB.Database, err)
	}

	ch, err := createChannel(cfg)
	if err != nil {
		return err
	}

	daemon, err := bot.NewDaemon(bot.DaemonOpts{
		DB:      gormDB,
		Config:  cfg,
		Channel: ch,
		Out:     cmd.OutOrStdout(),
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle OS signals for graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	return daemon.Run(ctx)
}

// createChannel builds a platform channel from the config.
func createChannel(cfg *config.Config) (channel.Channel, error) {
	switch cfg.Platform {
	case "discord":
		return discordchannel.New(discordchannel.Opts{
			BotToken:          cfg.Discord.BotToken,
			OperatorChannelID: cfg.Discord.OperatorChannelID,
		})
	case "slack":
		return slackchannel.New(slackchannel.Opts{
			AppToken:          cfg.Slack.AppToken,
			BotToken:          cfg.Slack.BotToken,
			OperatorChannelID: cfg.Slack.OperatorChannelID,
		})
	default:
		return nil, fmt.Errorf("serve: unsupported platform %q", cfg.Platform)
	}
}
