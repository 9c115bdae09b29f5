package main

import (
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/mdeops/mdeinstall/cmd"
	"github.com/mdeops/mdeinstall/internal/exitcode"
)

func main() {
	if err := cmd.Execute(); err != nil {
		sig := exitcode.FromError(err)
		log.WithField("exitCode", sig.Code).Error(sig.Message)
		os.Exit(sig.Code)
	}
}
