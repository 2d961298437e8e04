// linman — Linux Device Manager
//
// Usage:
//
//	linman scan    — enumerate devices and print the device tree
//	linman watch   — follow hot-plug changes live
//	linman elevate — start the elevated helper for privileged operations
package main

import (
	"fmt"
	"os"

	"linman/cmd/helper"
	"linman/cmd/manage"
)

const (
	defaultSystemPath = "/etc/linman/config.toml"
	defaultLocalPath  = "config.toml"
	version           = "0.3.0"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	configPath := ""

	// Parse --config flag if present
	args := os.Args[1:]
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--config" && i+1 < len(args) {
			configPath = args[i+1]
			args = append(args[:i], args[i+2:]...)
			i--
			continue
		}
		if len(arg) > 9 && arg[:9] == "--config=" {
			configPath = arg[9:]
			args = append(args[:i], args[i+1:]...)
			i--
			continue
		}
	}

	// Auto-discover config if not specified
	if configPath == "" {
		if _, err := os.Stat(defaultLocalPath); err == nil {
			configPath = defaultLocalPath
		} else {
			configPath = defaultSystemPath
		}
	}

	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	subcommand := args[0]
	var err error

	switch subcommand {
	case "scan", "watch", "elevate", "revoke", "unbind", "rescan", "unload":
		err = manage.Run(configPath, subcommand, args[1:])
	case "helper":
		err = helper.Run(configPath)
	case "edit":
		err = manage.EditConfig(configPath)
	case "version":
		fmt.Printf("linman v%s\n", version)
		return
	case "help", "--help", "-h":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", subcommand)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Printf(`linman v%s — Linux Device Manager

Usage:
  linman <command> [--config <path>]

Commands:
  scan     Enumerate devices and print the device tree
  watch    Follow hot-plug device changes live
  elevate  Start the elevated helper (authorization prompt)
  revoke   Shut the elevated helper down
  unbind   Detach a device from its driver (requires elevation)
  rescan   Re-probe a bus for devices (requires elevation)
  unload   Remove a kernel module (requires elevation)
  edit     Edit the configuration file in your system editor
  version  Print version information
  help     Show this help message

Options:
  --config <path>  Path to config file (default: looks for ./config.toml, then %s)

Examples:
  linman scan                           # Print the device tree
  linman watch                          # Follow hot-plug events
  linman elevate                        # Authorize privileged operations
  linman unload pcspkr                  # Unload an unused kernel module

`, version, defaultSystemPath)
}
