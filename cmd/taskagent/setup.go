package main

import (
	"context"
	"fmt"
	"time"

	"github.com/NissesSenap/taskagent/pkg/agent"
	"github.com/NissesSenap/taskagent/pkg/store"
)

type SetupCmd struct {
	Server       string        `help:"Server URL" required:"" env:"TASKAGENT_SERVER"`
	Token        string        `help:"API token" required:"" env:"TASKAGENT_TOKEN"`
	DownloadPath string        `help:"Directory where task files are stored" required:"" type:"path" env:"TASKAGENT_DOWNLOAD_PATH"`
	Timeout      time.Duration `help:"Time allowed for the server checks" default:"30s"`
}

func (c *SetupCmd) Run(cli *CLI) error {
	path := cli.configPath()
	cfg, err := agent.LoadConfig(path)
	if err != nil {
		return err
	}
	cfg.Server = c.Server
	cfg.Token = c.Token
	cfg.DownloadPath = c.DownloadPath
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.Timeout)
	defer cancel()
	serverVersion, err := agent.Verify(ctx, store.NewClient(cfg.Server, cfg.Token))
	if err != nil {
		return err
	}

	if err := cfg.Save(path); err != nil {
		return err
	}
	fmt.Printf("Server %s (version %s) accepted the credentials.\nConfiguration saved to %s\n", cfg.Server, serverVersion, path)
	return nil
}
