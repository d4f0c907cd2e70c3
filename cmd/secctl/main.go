package main

import (
	"fmt"
	"os"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "trigger":
		os.Exit(runTrigger(os.Args[2:], os.Stdout))
	case "events":
		os.Exit(runEvents(os.Args[2:], os.Stdout))
	case "alerts":
		os.Exit(runAlerts(os.Args[2:], os.Stdout))
	case "stats":
		os.Exit(runStats(os.Args[2:], os.Stdout))
	case "validate":
		os.Exit(runValidate(os.Args[2:], os.Stdout))
	case "prereq":
		runPrereq(os.Args[2:])
	case "version", "--version":
		fmt.Println(version)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		printUsage()
		os.Exit(2)
	}
}

func emptyFallback(value string, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}

func printUsage() {
	fmt.Println("Usage:")
	fmt.Println("  secctl trigger <scenario> [--api URL] [--param key=value ...] [--output text|json]")
	fmt.Println("  secctl events [--api URL] [--severity S] [--type T] [--limit N] [--output text|json]")
	fmt.Println("  secctl alerts [--api URL] [--output text|json]")
	fmt.Println("  secctl stats [--api URL] [--output text|json]")
	fmt.Println("  secctl validate [--config PATH] [--frames FILE.jsonl] [--schema PATH]")
	fmt.Println("  secctl prereq check [--pin PATH] [--deep] [--output text|json] [--strict]")
}
