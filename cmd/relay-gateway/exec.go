package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"os/signal"
	"syscall"

	"relay-gateway/internal/cmdwrap"
)

var errCommandFailed = errors.New("command failed")

type execCmd struct {
	Command string `arg:"" help:"Shell command to run."`
}

func (x *execCmd) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return streamCommand(ctx, os.Stdout, x.Command)
}

// streamCommand writes one JSON object per payload to w and fails when the
// command did not finish successfully.
func streamCommand(ctx context.Context, w io.Writer, command string) error {
	enc := json.NewEncoder(w)
	var last cmdwrap.Payload
	for p := range cmdwrap.RunStream(ctx, command) {
		if err := enc.Encode(p); err != nil {
			return err
		}
		last = p
	}
	if !last.Success {
		return errCommandFailed
	}
	return nil
}
