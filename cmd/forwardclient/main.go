package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"hop.computer/forward/common"
	"hop.computer/forward/flags"
	"hop.computer/forward/fwdclient"
)

func main() {
	logrus.SetLevel(logrus.InfoLevel)

	f, err := flags.ParseClientArgs(os.Args)
	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil {
		logrus.Fatalf("%s", err)
	}
	common.ConfigureLogging(f.Debug)

	cc, err := flags.LoadClientConfigFromFlags(f)
	if err != nil {
		logrus.Fatalf("error loading config: %s", err)
	}
	c, err := fwdclient.New(cc)
	if err != nil {
		logrus.Fatalf("unable to start client: %s", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := c.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logrus.Fatalf("%s", err)
	}
}
