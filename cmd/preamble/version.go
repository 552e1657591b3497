package main

import (
	"context"
	"fmt"
	"io"
)

type VersionCommand struct{}

func (c VersionCommand) Run(ctx context.Context, out io.Writer) error {
	fmt.Fprintf(out, "preamble %s\n", Version)
	return nil
}
