package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/kubescape/go-logger"
	"github.com/kubescape/go-logger/helpers"
	"github.com/spf13/afero"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(afero.NewOsFs()).ExecuteContext(ctx); err != nil {
		logger.L().Ctx(ctx).Fatal("tracestate failed", helpers.Error(err))
	}
}
