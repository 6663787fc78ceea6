// awectl drives the sync engine from the command line: it runs syncs
// described by YAML spec files, validates their sources, replays
// captured archives, and prints effective configurations.
package main

import (
	"fmt"
	"os"

	"github.com/jessevdk/go-flags"
)

func main() {
	var parser = flags.NewParser(nil, flags.HelpFlag|flags.PassDoubleDash)

	addCmd(parser, "run", "Run a sync", `
Execute one sync run from a YAML spec file: stream the source, resolve
entity actions against previous runs, and write documents to every
configured destination. Exits non-zero if the run fails.
`, &cmdRun{})

	addCmd(parser, "validate", "Validate a sync's source", `
Build the sync's source connector from the spec file and probe it,
confirming the credentials and configuration can reach the backend.
No data is synced.
`, &cmdValidate{})

	addCmd(parser, "replay", "Replay a captured archive", `
Re-ingest entities captured in an append-only replay archive, treating
every record as an insert. Intended for seeding a fresh sync from a
previous capture.
`, &cmdReplay{})

	addCmd(parser, "print-spec", "Print the effective sync spec", `
Parse the spec file, apply defaults, and print the effective
configuration as YAML.
`, &cmdPrintSpec{})

	if _, err := parser.Parse(); err != nil {
		if flagErr, ok := err.(*flags.Error); ok && flagErr.Type == flags.ErrHelp {
			fmt.Println(err)
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func addCmd(to interface {
	AddCommand(string, string, string, interface{}) (*flags.Command, error)
}, a, b, c string, iface interface{}) *flags.Command {
	var cmd, err = to.AddCommand(a, b, c, iface)
	if err != nil {
		panic(fmt.Sprintf("failed to add %s command: %v", a, err))
	}
	return cmd
}
