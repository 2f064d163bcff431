// Command kstream-balance is a tiny diagnostic client that looks up a
// single address balance against a Krist node and prints it.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	flags "github.com/jessevdk/go-flags"
	log "github.com/sirupsen/logrus"

	"github.com/estuary/kstream/internal/krist"
)

type args struct {
	Endpoint string        `long:"endpoint" required:"true" description:"Base URL of the Krist node"`
	Address  string        `long:"address" required:"true" description:"Address to look up"`
	Timeout  time.Duration `long:"timeout" default:"10s" description:"HTTP timeout for the lookup"`
}

func main() {
	var opts args
	if _, err := flags.Parse(&opts); err != nil {
		os.Exit(1)
	}

	client := krist.NewClient(opts.Endpoint)

	var deadline time.Time
	if opts.Timeout > 0 {
		deadline = time.Now().Add(opts.Timeout)
	}

	bal, err := client.GetBalance(context.Background(), opts.Address, deadline)
	if err != nil {
		log.WithField("err", err).Fatal("balance lookup failed")
	}

	fmt.Printf("%s %s\n", color.CyanString(opts.Address), color.GreenString("%d", bal.Balance))
}
