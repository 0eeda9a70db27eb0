package main

import (
	"os"

	"StakeFlow/cmd/stakeflow/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
