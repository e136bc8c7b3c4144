// Package main runs the location-aware NTRIP proxy.
package main

import (
	"github.com/edaniels/golog"
	goutils "go.viam.com/utils"

	"github.com/kroegman/neartrip/server"
)

var logger = golog.NewLogger("neartrip")

func main() {
	goutils.ContextualMain(server.RunServer, logger)
}
