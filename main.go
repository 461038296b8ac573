// Package main is the entry point for ridereplay.
package main

import (
	"os"

	"firestige.xyz/ridereplay/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
