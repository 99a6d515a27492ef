package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chzyer/readline"
	kvservice "github.com/sushant-115/gojostore/api/kv_service"
)

var (
	serverAddr  = flag.String("addr", "localhost:9090", "Address of the gojostore server")
	dialTimeout = flag.Duration("timeout", 5*time.Second, "Connection timeout")
)

func printHelp() {
	fmt.Println("Commands:")
	fmt.Println("  put <key> <value>")
	fmt.Println("  get <key>")
	fmt.Println("  delete <key>")
	fmt.Println("  flush")
	fmt.Println("  stats")
	fmt.Println("  ping")
	fmt.Println("  help")
	fmt.Println("  exit / quit")
}

// processCommand sends one command line to the server and prints the reply.
// It returns false when the CLI should exit.
func processCommand(client *kvservice.Client, line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return true
	}
	switch strings.ToLower(fields[0]) {
	case "help":
		printHelp()
		return true
	case "exit", "quit":
		return false
	}

	if _, err := kvservice.ParseRequest(line); err != nil {
		fmt.Printf("Error: %v. Type 'help' for a list of commands.\n", err)
		return true
	}
	resp, err := client.Do(line)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return !errors.Is(err, io.EOF)
	}
	fmt.Printf("%s %s\n", resp.Status, resp.Message)
	return true
}

func main() {
	flag.Parse()

	conn, err := net.DialTimeout("tcp", *serverAddr, *dialTimeout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error connecting to %s: %v\n", *serverAddr, err)
		os.Exit(1)
	}
	client := kvservice.NewClient(conn)
	defer client.Close()

	if args := flag.Args(); len(args) > 0 {
		processCommand(client, strings.Join(args, " "))
		return
	}

	historyFile := ""
	if home, err := os.UserHomeDir(); err == nil {
		historyFile = filepath.Join(home, ".gojostore_history")
	}
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "gojostore> ",
		HistoryFile:     historyFile,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete: readline.NewPrefixCompleter(
			readline.PcItem("put"),
			readline.PcItem("get"),
			readline.PcItem("delete"),
			readline.PcItem("flush"),
			readline.PcItem("stats"),
			readline.PcItem("ping"),
			readline.PcItem("help"),
			readline.PcItem("exit"),
		),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error starting interactive mode: %v\n", err)
		os.Exit(1)
	}
	defer rl.Close()

	fmt.Printf("gojostore CLI connected to %s. Type 'help' for commands, 'exit' or 'quit' to leave.\n", *serverAddr)
	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if line == "" {
				break
			}
			continue
		}
		if err != nil {
			break
		}
		if !processCommand(client, strings.TrimSpace(line)) {
			break
		}
	}
	fmt.Println("Exiting gojostore CLI.")
}
