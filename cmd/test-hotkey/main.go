// Command test-hotkey is a manual test for the global hotkey bindings.
// Run it, then press the reset or scan combo to see commands.
// Press Ctrl+C to exit.
//
// Usage:
//
//	go run ./cmd/test-hotkey [--reset ctrl+shift+0] [--scan ctrl+shift+s]
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/chaz8081/repsense/internal/hotkey"
)

func main() {
	reset := flag.String("reset", "ctrl+shift+0", "reset counter combo")
	scan := flag.String("scan", "ctrl+shift+s", "toggle scan combo")
	flag.Parse()

	fmt.Printf("Listening for %s (reset) and %s (scan)...\n", *reset, *scan)
	fmt.Println("Press Ctrl+C to exit.")

	listener := hotkey.NewListener(
		hotkey.Binding{Keys: strings.Split(*reset, "+"), Command: hotkey.CommandReset},
		hotkey.Binding{Keys: strings.Split(*scan, "+"), Command: hotkey.CommandToggleScan},
	)

	// Handle Ctrl+C
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		fmt.Println("\nShutting down...")
		listener.Stop()
	}()

	go func() {
		for cmd := range listener.Commands() {
			fmt.Printf(">>> %s\n", cmd)
		}
		fmt.Println("Command channel closed.")
	}()

	// Blocks until stopped
	listener.Start()
	fmt.Println("Done.")
}
