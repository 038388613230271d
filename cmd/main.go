// chat-gateway serves an access-controlled, budgeted chat assistant over HTTP.
//
// Usage:
//
//	chat-gateway [serve] [-c config.yaml] [-e .env] [-d]
//	chat-gateway token -c config.yaml -u USER_ID [-t 720h]
package main

import (
	"fmt"
	"os"
)

var version = "dev"

func main() {
	args := os.Args[1:]
	if len(args) == 0 {
		runServeCommand(nil)
		return
	}

	switch args[0] {
	case "serve":
		runServeCommand(args[1:])
	case "token":
		runTokenCommand(args[1:])
	case "version", "-v", "--version":
		fmt.Println("chat-gateway", version)
	case "help", "-h", "--help":
		printHelp()
	default:
		// Flags without a subcommand mean serve.
		runServeCommand(args)
	}
}

func printHelp() {
	fmt.Println("Chat Gateway")
	fmt.Println()
	fmt.Println("Usage: chat-gateway [COMMAND] [OPTIONS]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                Start the gateway (default)")
	fmt.Println("  token                Issue a bearer token for a user (needs server.jwt_secret)")
	fmt.Println("  version              Print the version")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -c, --config FILE    Gateway config (default: $CHAT_GATEWAY_CONFIG)")
	fmt.Println("  -e, --env FILE       Environment file loaded before the config (default: .env)")
	fmt.Println("  -d, --debug          Enable debug logging")
	fmt.Println("  -u, --user ID        User id for the token command")
	fmt.Println("  -t, --ttl DURATION   Token lifetime (default: 720h)")
}

func printError(msg string) {
	fmt.Fprintf(os.Stderr, "\033[0;31m[ERROR]\033[0m %s\n", msg)
}

// options are the flags shared by all commands.
type options struct {
	configPath string
	envFile    string
	debug      bool
	userID     string
	ttl        string
}

func parseOptions(args []string) options {
	opts := options{
		configPath: os.Getenv("CHAT_GATEWAY_CONFIG"),
		envFile:    ".env",
		ttl:        "720h",
	}

	value := func(i int, name string) string {
		if i+1 >= len(args) {
			printError(name + " requires a value")
			os.Exit(1)
		}
		return args[i+1]
	}

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-h", "--help":
			printHelp()
			os.Exit(0)
		case "-c", "--config":
			opts.configPath = value(i, "--config")
			i++
		case "-e", "--env":
			opts.envFile = value(i, "--env")
			i++
		case "-d", "--debug":
			opts.debug = true
		case "-u", "--user":
			opts.userID = value(i, "--user")
			i++
		case "-t", "--ttl":
			opts.ttl = value(i, "--ttl")
			i++
		default:
			printError("unknown option: " + args[i])
			os.Exit(1)
		}
	}
	return opts
}
