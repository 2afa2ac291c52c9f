// Command vmm boots a single Machine from a declarative YAML
// configuration file (spec.md §6) and runs it until the process
// receives SIGTERM/SIGINT. A guest shutdown resets the machine rather
// than ending the process.
package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/killvxk/mvisor/internal/machine"
)

var configPath = flag.String("config", "", "path to the machine's YAML configuration")

func die(err error) {
	log.Fatal(err)
}

func main() {
	flag.Parse()

	if *configPath == "" {
		die(os.ErrInvalid)
	}

	m, err := machine.Boot(*configPath)
	if err != nil {
		die(err)
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGTERM, syscall.SIGINT)

	m.Run()

	<-signals
	log.Print("vmm: shutting down")
	m.Quit()

	if err := m.Close(); err != nil {
		die(err)
	}
}
