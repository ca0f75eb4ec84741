// Command photobook_cli is an interactive client for photobookd's HTTP API.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"github.com/chzyer/readline"
)

var (
	serverURL = flag.String("server", "http://localhost:5000", "photobookd base URL")
	txnPrefix = flag.String("txn_prefix", "", "Name transactions <prefix>-<n> instead of letting the server assign ids")
)

func main() {
	log.SetFlags(0)
	flag.Parse()

	c := newCLI(*serverURL, os.Stdout)
	c.txnPrefix = *txnPrefix

	if args := flag.Args(); len(args) > 0 {
		if err := c.processCommand(args); err != nil && !errors.Is(err, errExit) {
			log.Fatalf("Error: %v", err)
		}
		return
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "photobook> ",
		HistoryFile:     historyFile(),
		AutoComplete:    completer,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		log.Fatalf("Error starting interactive mode: %v", err)
	}
	defer rl.Close()

	fmt.Println("Photobook CLI (interactive mode). Type 'help' for commands, 'exit' or 'quit' to leave.")
	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			continue
		}
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			log.Printf("Error reading input: %v", err)
			continue
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		err = c.processCommand(fields)
		if errors.Is(err, errExit) {
			fmt.Println("Exiting Photobook CLI.")
			return
		}
		if err != nil {
			fmt.Printf("Error: %v\n", err)
		}
	}
}

var completer = readline.NewPrefixCompleter(
	readline.PcItem("health"),
	readline.PcItem("book"),
	readline.PcItem("cancel"),
	readline.PcItem("update"),
	readline.PcItem("availability"),
	readline.PcItem("photographers"),
	readline.PcItem("timeslots"),
	readline.PcItem("timeslot"),
	readline.PcItem("clients"),
	readline.PcItem("bookings"),
	readline.PcItem("txns"),
	readline.PcItem("help"),
	readline.PcItem("exit"),
)

func historyFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return home + "/.photobook_history"
}
