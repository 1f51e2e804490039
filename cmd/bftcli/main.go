package main

import (
	"fmt"
	"os"
	"time"

	"github.com/urfave/cli"
)

// fatal exits with a printed error the way a CLI user expects.
func fatal(err error) {
	fmt.Fprintf(os.Stderr, "[bftcli] %v\n", err)
	os.Exit(1)
}

func main() {
	app := cli.NewApp()
	app.Name = "bftcli"
	app.Version = "0.1.0"
	app.Usage = "control plane utility for the bftd replicated state " +
		"machine"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "rpcserver",
			Value: "127.0.0.1:10001",
			Usage: "host:port of the replica proxy to talk to",
		},
		cli.DurationFlag{
			Name:  "timeout",
			Value: 10 * time.Second,
			Usage: "how long to wait for the matched response",
		},
	}
	app.Commands = []cli.Command{
		setCommand,
		getCommand,
		getRangeCommand,
		queryCommand,
		stateCommand,
		genKeyCommand,
		benchCommand,
	}

	if err := app.Run(os.Args); err != nil {
		fatal(err)
	}
}
