package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/telclaude/telclaude/bot"
	"github.com/telclaude/telclaude/cli"
	"github.com/telclaude/telclaude/logger"
	"github.com/telclaude/telclaude/session"
	"github.com/telclaude/telclaude/state"
	"github.com/telclaude/telclaude/telegram"
)

const envPrefix = "TELCLAUDE"

func Execute() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "telclaude",
		Short:        "Telegram relay for the Claude Code CLI",
		SilenceUsage: true,
		RunE:         runBot,
	}

	cobra.OnInitialize(initConfig)

	cmd.PersistentFlags().String("config", "", "Config file path (optional).")
	_ = viper.BindPFlag("config", cmd.PersistentFlags().Lookup("config"))

	cmd.Flags().String("token", "", "Telegram bot token.")
	cmd.Flags().String("claude-binary", "claude", "Claude CLI binary to run.")
	cmd.Flags().String("working-dir", "", "Default working directory (defaults to the current directory).")
	cmd.Flags().String("api-url", telegram.DefaultBaseURL, "Telegram Bot API base URL.")
	cmd.Flags().Duration("poll-timeout", 30*time.Second, "getUpdates long-poll timeout.")
	cmd.Flags().Int64("allowed-chat", 0, "Restrict the bot to one chat ID (0 accepts all chats).")
	cmd.Flags().Bool("debug", false, "Enable debug logging.")
	cmd.Flags().String("log-file", "", "Log file path (defaults to the data dir).")

	_ = viper.BindPFlag("token", cmd.Flags().Lookup("token"))
	_ = viper.BindPFlag("claude_binary", cmd.Flags().Lookup("claude-binary"))
	_ = viper.BindPFlag("working_dir", cmd.Flags().Lookup("working-dir"))
	_ = viper.BindPFlag("api_url", cmd.Flags().Lookup("api-url"))
	_ = viper.BindPFlag("poll_timeout", cmd.Flags().Lookup("poll-timeout"))
	_ = viper.BindPFlag("allowed_chat", cmd.Flags().Lookup("allowed-chat"))
	_ = viper.BindPFlag("debug", cmd.Flags().Lookup("debug"))
	_ = viper.BindPFlag("log_file", cmd.Flags().Lookup("log-file"))

	viper.SetDefault("claude_binary", "claude")
	viper.SetDefault("api_url", telegram.DefaultBaseURL)
	viper.SetDefault("poll_timeout", 30*time.Second)

	cmd.AddCommand(newVersionCmd())

	return cmd
}

func initConfig() {
	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()

	cfgFile := strings.TrimSpace(viper.GetString("config"))
	if cfgFile == "" {
		return
	}
	viper.SetConfigFile(cfgFile)
	if err := viper.ReadInConfig(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read config: %v\n", err)
	}
}

func runBot(cmd *cobra.Command, args []string) error {
	token := strings.TrimSpace(viper.GetString("token"))
	if token == "" {
		return fmt.Errorf("a Telegram bot token is required (--token or %s_TOKEN)", envPrefix)
	}

	logPath := viper.GetString("log_file")
	if logPath == "" {
		var err error
		logPath, err = logger.DefaultLogPath()
		if err != nil {
			return err
		}
	}
	if err := logger.Init(logPath); err != nil {
		return err
	}
	defer logger.Close()
	logger.SetDebug(viper.GetBool("debug"))
	log := logger.Get()

	binary := viper.GetString("claude_binary")
	info, err := cli.CheckClaudeBinary(binary)
	if err != nil {
		return err
	}
	log.Info("claude binary found", "path", info.Path, "version", info.Version)

	defaultDir := viper.GetString("working_dir")
	if defaultDir == "" {
		defaultDir, err = os.Getwd()
		if err != nil {
			return err
		}
	}

	stateStore, err := state.Load(defaultDir)
	if err != nil {
		return fmt.Errorf("loading state: %w", err)
	}
	sessionStore, err := session.Load()
	if err != nil {
		return fmt.Errorf("loading sessions: %w", err)
	}
	projects, err := state.LoadProjects()
	if err != nil {
		return fmt.Errorf("loading projects: %w", err)
	}

	browser, err := session.NewBrowser()
	if err != nil {
		log.Warn("transcript browser unavailable", "error", err)
		browser = nil
	}

	client := telegram.NewClient(nil, viper.GetString("api_url"), token)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	me, err := client.GetMe(ctx)
	if err != nil {
		return fmt.Errorf("verifying the bot token: %w", err)
	}
	log.Info("bot online", "username", me.Username, "workingDir", defaultDir)

	b := bot.New(bot.Config{
		API:          client,
		State:        stateStore,
		Sessions:     sessionStore,
		Projects:     projects,
		Browser:      browser,
		ClaudeBinary: binary,
		PollTimeout:  viper.GetDuration("poll_timeout"),
		AllowedChat:  viper.GetInt64("allowed_chat"),
	})

	runErr := b.Run(ctx)

	if browser != nil {
		_ = browser.Close()
	}
	if err := stateStore.SaveNow(); err != nil {
		log.Warn("state flush failed", "error", err)
	}
	log.Info("shut down")

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	return nil
}
