/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"github.com/alecthomas/kong"

	"github.com/NissesSenap/taskagent/pkg/agent"
)

// agentVersion is set at build time with -ldflags "-X main.agentVersion=...".
var agentVersion = "dev"

type CLI struct {
	Config string `help:"Path to the configuration file (default ~/.taskagent.yaml)" type:"path" env:"TASKAGENT_CONFIG"`

	Serve   ServeCmd   `cmd:"" default:"1" help:"Connect to the server and run pushed tasks"`
	Setup   SetupCmd   `cmd:"" help:"Check the server and credentials, then save the configuration"`
	Version VersionCmd `cmd:"" help:"Print the agent version"`
}

func (c *CLI) configPath() string {
	if c.Config != "" {
		return c.Config
	}
	return agent.DefaultConfigPath()
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("taskagent"),
		kong.Description("Runs tasks pushed by a coordination server on this machine."),
		kong.UsageOnError(),
	)
	ctx.FatalIfErrorf(ctx.Run(&cli))
}
