package main

import (
	"os"

	"github.com/MEKXH/giftbot/cmd/giftbot/commands"
)

func main() {
	if err := commands.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
