package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/mvieira99/inboxsync/internal/daemon"
	"github.com/mvieira99/inboxsync/internal/profile"
	"go.uber.org/fx"
)

func main() {
	accountFlag := flag.String("account", "", "account name (overrides config default)")
	flag.Parse()

	accountName := profile.Resolve(*accountFlag)
	if err := profile.ValidateName(accountName); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	app := fx.New(
		daemon.Module(daemon.Params{AccountName: accountName}),
	)

	app.Run()
}
