package main

import (
	"os"

	"github.com/rs/zerolog/log"

	"github.com/nullstream/imgpull/cmd"
)

// Set via -ldflags at build time.
var (
	version string
	commit  string
	date    string
)

func main() {
	if version != "" {
		cmd.BuildVersion = version
	}
	if commit != "" {
		cmd.BuildCommit = commit
	}
	if date != "" {
		cmd.BuildDate = date
	}

	if err := cmd.Execute(); err != nil {
		log.Error().Err(err).Msg("imgpull exited with error")
		os.Exit(1)
	}
}
