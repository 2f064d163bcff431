// Command kstream-tail opens (or creates) a kstream state directory and
// prints every observed transaction to stdout until interrupted. It is
// a diagnostic tool, not a reference integration — onSendSuccess/
// onSendFailure are left unused because this command never sends.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	flags "github.com/jessevdk/go-flags"
	log "github.com/sirupsen/logrus"

	"github.com/estuary/kstream"
	"github.com/estuary/kstream/internal/krist"
	"github.com/estuary/kstream/internal/store"
)

type args struct {
	Dir          string `long:"dir" required:"true" description:"State directory"`
	Endpoint     string `long:"endpoint" description:"Base URL of the Krist node (create only)"`
	Address      string `long:"address" description:"Address filter (create only)"`
	IncludeMined bool   `long:"include-mined" description:"Include mining reward transactions (create only)"`
}

func main() {
	var opts args
	if _, err := flags.Parse(&opts); err != nil {
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("kstream-tail: caught signal, shutting down")
		cancel()
	}()

	var stream *kstream.Stream
	var err error
	if _, statErr := os.Stat(opts.Dir); os.IsNotExist(statErr) {
		stream, err = kstream.Create(ctx, kstream.Config{
			Dir:          opts.Dir,
			Endpoint:     opts.Endpoint,
			Address:      opts.Address,
			IncludeMined: opts.IncludeMined,
		})
	} else {
		stream, err = kstream.Open(kstream.Config{Dir: opts.Dir}, nil)
	}
	if err != nil {
		log.WithField("err", err).Fatal("kstream-tail: failed to open stream")
	}

	stream.SetHooks(kstream.Hooks{
		OnTransaction: func(hc *kstream.HookContext, tx krist.ApiTransaction) error {
			fmt.Printf("%s %s -> %s %s\n",
				color.YellowString(krist.FormatID(tx.ID)),
				color.CyanString(tx.From),
				color.CyanString(tx.To),
				color.GreenString("%d", tx.Value),
			)
			return nil
		},
		OnSendSuccess: func(hc *kstream.HookContext, entry store.OutboxEntry) error { return nil },
		OnSendFailure: func(hc *kstream.HookContext, entry store.OutboxEntry, sendErr error) error { return nil },
	})

	if err := stream.Run(ctx); err != nil && ctx.Err() == nil {
		log.WithField("err", err).Fatal("kstream-tail: stream stopped")
	}
}
