package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/NissesSenap/taskagent/pkg/agent"
)

type ServeCmd struct {
	Server         string        `help:"Server URL" env:"TASKAGENT_SERVER"`
	Token          string        `help:"API token" env:"TASKAGENT_TOKEN"`
	DownloadPath   string        `help:"Directory where task files are stored" type:"path" env:"TASKAGENT_DOWNLOAD_PATH"`
	LogLevel       string        `help:"Log level: debug, info, warning or error" env:"TASKAGENT_LOG_LEVEL"`
	LogFile        string        `help:"Rotating log file" type:"path" env:"TASKAGENT_LOG_FILE"`
	ListenAddr     string        `help:"Local task API address, empty disables it" env:"TASKAGENT_LISTEN_ADDR"`
	QueueSize      int           `help:"Tasks that may wait for the execution slot" env:"TASKAGENT_QUEUE_SIZE"`
	CommandTimeout time.Duration `help:"Maximum run time of a task command, 0 for none" env:"TASKAGENT_COMMAND_TIMEOUT"`
}

// apply overrides the file configuration with flags that were set.
func (c *ServeCmd) apply(cfg *agent.Config) {
	if c.Server != "" {
		cfg.Server = c.Server
	}
	if c.Token != "" {
		cfg.Token = c.Token
	}
	if c.DownloadPath != "" {
		cfg.DownloadPath = c.DownloadPath
	}
	if c.LogLevel != "" {
		cfg.LogLevel = c.LogLevel
	}
	if c.LogFile != "" {
		cfg.LogFile = c.LogFile
	}
	if c.ListenAddr != "" {
		cfg.ListenAddr = c.ListenAddr
	}
	if c.QueueSize > 0 {
		cfg.QueueSize = c.QueueSize
	}
	if c.CommandTimeout > 0 {
		cfg.CommandTimeout = c.CommandTimeout
	}
}

func (c *ServeCmd) Run(cli *CLI) error {
	cfg, err := agent.LoadConfig(cli.configPath())
	if err != nil {
		return err
	}
	c.apply(&cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, closer := agent.NewLogger(cfg.LogLevel, cfg.LogFile)
	defer func() { _ = closer.Close() }()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := agent.New(ctx, cfg, agent.WithLogger(logger), agent.WithAgentVersion(agentVersion))
	if err != nil {
		logger.Error(err, "agent could not start")
		return err
	}

	logger.Info("agent started", "version", agentVersion, "server", cfg.Server, "downloadPath", cfg.DownloadPath)
	return a.Run(ctx)
}
