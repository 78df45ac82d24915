package main

import (
	"os"

	"github.com/lromao/majordomo/cmd/majordomo/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
