package main

import (
	"context"
	"os"

	"github.com/telhawk-systems/backbone/cli/cmd"
	"github.com/telhawk-systems/backbone/cli/pkg/output"
	"github.com/telhawk-systems/backbone/common/runner"
)

func main() {
	ctx, stop := runner.SignalContext(context.Background())
	err := cmd.Execute(ctx)
	stop()
	if err != nil {
		output.Error("%v", err)
		os.Exit(1)
	}
}
