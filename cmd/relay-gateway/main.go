package main

import (
	"fmt"

	"github.com/alecthomas/kong"

	"relay-gateway/internal/config"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type cli struct {
	Globals config.CLI `embed:""`

	Version kong.VersionFlag `help:"Print version and exit."`

	Serve serveCmd `cmd:"" default:"1" help:"Forward every inbound request to the upstream (default)."`
	Exec  execCmd  `cmd:"" help:"Run a shell command and stream its output as JSON lines."`
}

func main() {
	var c cli
	ctx := kong.Parse(&c,
		kong.Name("relay-gateway"),
		kong.Description("HTTP gateway that replays every request against one upstream."),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)
	ctx.FatalIfErrorf(ctx.Run(&c.Globals))
}
