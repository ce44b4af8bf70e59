package main

import "fmt"

type VersionCmd struct{}

func (c *VersionCmd) Run(_ *CLI) error {
	fmt.Println(agentVersion)
	return nil
}
