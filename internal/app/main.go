package app

import (
	"fmt"
	"os"
)

var (
	version   = "0.0.0-dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func Main(args []string) int {
	if len(args) < 2 {
		printHelp()
		return 2
	}

	switch args[1] {
	case "run":
		return runCmd(args[2:])
	case "publish":
		return publishCmd(args[2:])
	case "subscribers":
		return subscribersCmd(args[2:])
	case "progress":
		return progressCmd(args[2:])
	case "migrate":
		return migrateCmd(args[2:])
	case "version":
		return versionCmd(args[2:])
	case "help", "-h", "--help":
		printHelp()
		return 0
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[1])
		printHelp()
		return 2
	}
}

func printHelp() {
	fmt.Fprintln(os.Stdout, "newsletterd")
	fmt.Fprintln(os.Stdout, "")
	fmt.Fprintln(os.Stdout, "Usage:")
	fmt.Fprintln(os.Stdout, "  newsletterd run [--config ./newsletterd.yaml] [--pid-file ./newsletterd.pid] [--watch] [--log-level info] [--dotenv ./.env]")
	fmt.Fprintln(os.Stdout, "  newsletterd publish --issue ./issue.yaml [--config ./newsletterd.yaml] [--json]")
	fmt.Fprintln(os.Stdout, "  newsletterd subscribers import --file ./subscribers.yaml [--config ./newsletterd.yaml]")
	fmt.Fprintln(os.Stdout, "  newsletterd progress --issue ID [--config ./newsletterd.yaml | --grpc host:port [--token T]] [--json]")
	fmt.Fprintln(os.Stdout, "  newsletterd migrate backfill [--config ./newsletterd.yaml] [--json]")
	fmt.Fprintln(os.Stdout, "  newsletterd version [--long] [--json]")
}
