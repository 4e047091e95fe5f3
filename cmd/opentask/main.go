package main

import (
	"log"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	var root = &cobra.Command{Use: "opentask", Version: version, SilenceUsage: true}

	root.AddCommand(serveCMD(), migrateCMD(), runCMD(), tailCMD())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(prefix string) *log.Logger {
	return log.New(log.Writer(), "["+prefix+"] ", log.LstdFlags)
}
