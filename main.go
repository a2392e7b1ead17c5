package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"grimm.is/mwand/cmd"
	"grimm.is/mwand/internal/brand"
	"grimm.is/mwand/internal/ctl"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "start":
		startFlags := flag.NewFlagSet("start", flag.ExitOnError)
		configFile := startFlags.String("config", cmd.DefaultConfigFile(), "Configuration file")
		startFlags.StringVar(configFile, "c", cmd.DefaultConfigFile(), "Configuration file (short)")
		foreground := startFlags.Bool("foreground", false, "Run in foreground (don't daemonize)")
		startFlags.BoolVar(foreground, "f", false, "Run in foreground (short)")
		startFlags.Parse(os.Args[2:])

		if *foreground {
			err = cmd.RunDaemon(*configFile)
		} else {
			err = cmd.RunStart(*configFile)
		}

	case "run":
		// Internal: the backgrounded daemon process started by "start".
		runFlags := flag.NewFlagSet("run", flag.ExitOnError)
		configFile := runFlags.String("config", cmd.DefaultConfigFile(), "Configuration file")
		runFlags.Parse(os.Args[2:])
		err = cmd.RunDaemon(*configFile)

	case "stop":
		err = cmd.RunStop()

	case "status":
		err = cmd.RunStatus()

	case "policy":
		if len(os.Args) < 3 {
			fmt.Fprintf(os.Stderr, "Usage: %s policy <name>\n", brand.BinaryName)
			os.Exit(1)
		}
		err = cmd.RunPolicy(os.Args[2])

	case "race":
		raceFlags := flag.NewFlagSet("race", flag.ExitOnError)
		timeout := raceFlags.Duration("timeout", 5*time.Second, "Race deadline")
		raceFlags.Parse(os.Args[2:])
		if raceFlags.NArg() < 1 {
			fmt.Fprintf(os.Stderr, "Usage: %s race [-timeout 5s] <host:port>\n", brand.BinaryName)
			os.Exit(1)
		}
		err = cmd.RunRace(raceFlags.Arg(0), *timeout)

	case "backup":
		if len(os.Args) < 3 {
			fmt.Fprintf(os.Stderr, "Usage: %s backup <path>\n", brand.BinaryName)
			os.Exit(1)
		}
		err = cmd.RunBackup(os.Args[2])

	case "restore":
		if len(os.Args) < 3 {
			fmt.Fprintf(os.Stderr, "Usage: %s restore <path>\n", brand.BinaryName)
			os.Exit(1)
		}
		err = cmd.RunRestore(os.Args[2])

	case "reload":
		err = cmd.RunReload()

	case "check":
		checkFlags := flag.NewFlagSet("check", flag.ExitOnError)
		checkFlags.Parse(os.Args[2:])
		configFile := ""
		if checkFlags.NArg() > 0 {
			configFile = checkFlags.Arg(0)
		}
		err = cmd.RunCheck(configFile)

	case "version":
		fmt.Printf("%s %s\n", brand.BinaryName, ctl.Version)

	case "help", "-h", "--help":
		printUsage()

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Printf(`%s - %s

Usage: %s <command> [options]

Commands:
  start     Start the daemon (background by default; -f for foreground)
  stop      Stop the daemon
  status    Show uplink health and the active policy
  policy    Activate a policy by name
  race      Race a UDP probe across all enabled uplinks
  backup    Save the rule table to a file
  restore   Load the rule table from a file
  reload    Re-read the configuration file
  check     Validate a configuration file
  version   Print the version
`, brand.Name, brand.Description, brand.BinaryName)
}
