// Command televybackup is the CLI surface over the backup core: init,
// backup, restore, verify, and a long-running daemon mode. Subcommands
// dispatch on os.Args[1], each with its own flag.FlagSet.
package main

import (
	"fmt"
	"os"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]
	args := os.Args[2:]

	var err error
	switch command {
	case "init":
		err = initCmd(args)
	case "backup":
		err = backupCmd(args)
	case "restore":
		err = restoreCmd(args)
	case "verify":
		err = verifyCmd(args)
	case "daemon":
		err = daemonCmd(args)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "televybackup %s: %v\n", command, err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("televybackup - differential, content-addressed backup over an opaque remote store")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  televybackup init [flags]               - create config and master key")
	fmt.Println("  televybackup backup [flags]              - run one backup of a configured target")
	fmt.Println("  televybackup restore [flags]             - restore a target's latest snapshot")
	fmt.Println("  televybackup verify [flags]               - verify a target's latest snapshot")
	fmt.Println("  televybackup daemon [flags]               - run backups on a schedule with a health server")
	fmt.Println()
	fmt.Println("Run 'televybackup <command> -h' for command-specific help")
}
