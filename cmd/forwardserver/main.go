package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"hop.computer/forward/common"
	"hop.computer/forward/flags"
	"hop.computer/forward/fwdserver"
	"hop.computer/forward/metrics"
)

func main() {
	logrus.SetLevel(logrus.InfoLevel)

	f, err := flags.ParseServerArgs(os.Args)
	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil {
		logrus.Fatalf("%s", err)
	}
	common.ConfigureLogging(f.Debug)

	sc, err := flags.LoadServerConfigFromFlags(f)
	if err != nil {
		logrus.Fatalf("error loading config: %s", err)
	}
	s, err := fwdserver.New(sc)
	if err != nil {
		logrus.Fatalf("unable to start server: %s", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	if sc.MetricsAddress != "" {
		g.Go(func() error {
			return metrics.Serve(ctx, sc.MetricsAddress)
		})
	}
	g.Go(func() error {
		return s.ListenAndServe(ctx)
	})
	if err := g.Wait(); err != nil {
		logrus.Fatalf("server error: %s", err)
	}
	logrus.Info("server stopped")
}
