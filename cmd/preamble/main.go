package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/alecthomas/kong"
)

// Version is the released version of preamble.
var Version = "v0.1.0"

type CLI struct {
	Serve       ServeCommand       `cmd:"serve" default:"withargs" help:"Start the gateway."`
	Validate    ValidateCommand    `cmd:"validate" help:"Validate a configuration file and exit."`
	Instruction InstructionCommand `cmd:"instruction" help:"Print the instruction that would be injected right now."`
	Version     VersionCommand     `cmd:"version" help:"Print the version of preamble."`
}

func main() {
	var cli CLI
	ctx := context.Background()
	kctx := kong.Parse(&cli,
		kong.Name("preamble"),
		kong.Description("OpenAI-compatible chat completion gateway that injects an operator system instruction."),
		kong.UsageOnError(),
		kong.BindTo(ctx, (*context.Context)(nil)),
		kong.BindTo(os.Stdout, (*io.Writer)(nil)),
	)
	if err := kctx.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "preamble: %v\n", err)
		os.Exit(1)
	}
}
