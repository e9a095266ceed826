package main

import (
	"fmt"
	"io"
	"os"
)

var (
	// Version is set at build time via ldflags
	// Example: go build -ldflags="-X main.Version=v1.2.3"
	Version = "dev"
)

func main() {
	os.Exit(dispatch(os.Args[1:]))
}

// dispatch runs the command named by args[0]. No argument means "run" so a
// scheduler entry that calls the bare binary keeps working.
func dispatch(args []string) int {
	command := "run"
	if len(args) > 0 {
		command = args[0]
	}

	switch command {
	case "run":
		return runCommand()
	case "prune":
		return pruneCommand()
	case "history":
		return historyCommand(os.Stdout)
	case "serve":
		return serveCommand()
	case "version", "--version", "-v":
		fmt.Printf("blobrotate version %s\n", Version)
		return ExitSuccess
	case "help", "--help", "-h":
		printUsage(os.Stdout)
		return ExitSuccess
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", command)
		printUsage(os.Stderr)
		return ExitConfigError
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintf(w, `blobrotate - Daily download of a remote object with dated retention

USAGE:
    blobrotate [command]

COMMANDS:
    run        Download today's copy, then prune old copies (default)
    prune      Prune old copies without downloading
    history    Print recorded runs as YAML
    serve      Start the read-only status server
    version    Show version information

ENVIRONMENT:
    BASE_URL, BLOB_NAME, SAS_TOKEN    Remote object (required for run)
    TARGET_DIR                        Download directory
    MAX_FILES                         Dated copies to keep (default 90)
    BLOBROTATE_*                      Retry, logging, history, metrics and lock settings

EXIT CODES:
    0 success, 1 configuration error, 2 download failed after retries,
    3 filesystem error, 4 another instance running, 5 interrupted
`)
}
