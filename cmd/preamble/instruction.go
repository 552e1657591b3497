package main

import (
	"context"
	"fmt"
	"io"

	"github.com/teilomillet/preamble/config"
)

type InstructionCommand struct {
	Config string `help:"Path to the YAML configuration file. Empty uses built-in defaults." short:"c" env:"PREAMBLE_CONFIG" default:""`
}

func (c InstructionCommand) Run(ctx context.Context, out io.Writer) error {
	cfg, err := loadConfig(c.Config)
	if err != nil {
		return err
	}

	source := config.NewInstructionFile(cfg.Instruction, nil)
	fmt.Fprintf(out, "path: %s\n", source.Path())
	instruction, ok := source.Instruction(ctx)
	if !ok {
		fmt.Fprintln(out, "no instruction configured")
		return nil
	}
	fmt.Fprintln(out, instruction)
	return nil
}
