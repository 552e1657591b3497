package main

import (
	"context"
	"fmt"
	"io"

	"github.com/teilomillet/preamble/config"
)

type ValidateCommand struct {
	Config string `help:"Path to the YAML configuration file." short:"c" env:"PREAMBLE_CONFIG" required:""`
}

func (c ValidateCommand) Run(ctx context.Context, out io.Writer) error {
	cfg, err := config.LoadFile(c.Config)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, "Configuration is valid")
	fmt.Fprintf(out, "  backend:     %s\n", cfg.Backend.Type)
	fmt.Fprintf(out, "  port:        %d\n", cfg.Server.Port)
	fmt.Fprintf(out, "  instruction: %s\n", config.InstructionPath(cfg.Instruction))
	return nil
}
