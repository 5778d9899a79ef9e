package main

import (
	"fmt"
	"os"
)

// Exit codes
const (
	ExitSuccess      = 0
	ExitGeneralError = 1
	ExitInvalidArgs  = 2
	ExitSourceError  = 3
	ExitAborted      = 4
	ExitStorageError = 5
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		printUsage()
		return ExitInvalidArgs
	}

	command := args[0]
	cmdArgs := args[1:]

	switch command {
	case "get":
		return runGet(cmdArgs)
	case "relay":
		return runRelay(cmdArgs)
	case "cache":
		return runCache(cmdArgs)
	case "help", "-h", "--help":
		printUsage()
		return ExitSuccess
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", command)
		printUsage()
		return ExitInvalidArgs
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `Usage: fetchcache <command> [options]

Commands:
  get     Download an object with parallel range requests and save it
  relay   Serve the save endpoint over websocket or stdio
  cache   Inspect or clear the domain caches

Run 'fetchcache <command> -h' for command-specific help.`)
}
