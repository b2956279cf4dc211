// Command kairos runs the proof-of-work memory chain server: mint, begin,
// next, attest, update, delete, dump and search over Markdown-defined
// chains, served to MCP clients and over a REST mirror.
package main

import (
	"log"
	"os"

	"kairos.run/cli"
)

func main() {
	if err := cli.RootCmd.Execute(); err != nil {
		log.Fatal(err)
		os.Exit(1)
	}
}
