package main

import "agentloop/internal/cli"

func main() {
	cli.Main()
}
