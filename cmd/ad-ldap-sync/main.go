package main

import (
	"os"

	"github.com/isometry/ad-ldap-sync/cmd/ad-ldap-sync/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		commands.PrintErr("Error: %v", err)
		os.Exit(1)
	}
}
