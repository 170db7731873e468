package main

import (
	"os"

	"github.com/zeu5/dist-rl-driving/cmd"
)

func main() {
	if err := cmd.RootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
