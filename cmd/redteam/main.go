package main

import (
	"os"

	zLog "github.com/rs/zerolog/log"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		zLog.Debug().Err(err).Msg("command failed")
		os.Exit(1)
	}
}
