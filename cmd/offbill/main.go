// Command offbill is the command-line front end for the offline invoicing
// sync core: create customers and invoices locally, inspect sync status and
// trigger runs against the central server.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
