// veilcli is a read-only query tool over a veil ledger database: asset
// definitions, outputs with spent status, owner memos, inclusion proofs and
// the state commitment history.
package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/btcsuite/btclog/v2"
	"github.com/urfave/cli"

	"github.com/veilledger/veil"
	"github.com/veilledger/veil/ledger"
	"github.com/veilledger/veil/ledgerdb"
)

const (
	// envVarDBPath can be used to set the database path flag.
	envVarDBPath = "VEILCLI_DB"

	defaultDBPath = "veil.db"
)

func newApp() cli.App {
	app := cli.NewApp()
	app.Name = "veilcli"
	app.Version = veil.Version()
	app.Usage = "query tool for a veil ledger database"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:      "db",
			Value:     defaultDBPath,
			Usage:     "The path to the ledger database.",
			TakesFile: true,
			EnvVar:    envVarDBPath,
		},
		cli.BoolFlag{
			Name:  "debug",
			Usage: "Enable debug logging to stderr.",
		},
	}

	app.Commands = []cli.Command{
		assetsCommand,
		utxoCommand,
		memoCommand,
		proofCommand,
		commitmentCommand,
	}

	return *app
}

// fatal prints an error to stderr and exits.
func fatal(err error) {
	fmt.Fprintf(os.Stderr, "[veilcli] %v\n", err)
	os.Exit(1)
}

// openLedger opens the database named by the global flag and assembles the
// ledger from it.
func openLedger(ctx *cli.Context) (*ledger.Ledger, *ledgerdb.Store, error) {
	if ctx.GlobalBool("debug") {
		handler := btclog.NewDefaultHandler(os.Stderr)
		logger := btclog.NewSLogger(handler)
		logger.SetLevel(btclog.LevelDebug)
		ledger.UseLogger(logger)
	}

	return ledgerdb.OpenLedger(ctx.GlobalString("db"), ledger.DefaultConfig())
}

// printJSON renders a response on stdout.
func printJSON(resp interface{}) {
	b, err := json.MarshalIndent(resp, "", "    ")
	if err != nil {
		fatal(err)
	}
	fmt.Printf("%s\n", b)
}
