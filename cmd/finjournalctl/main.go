// Command finjournalctl opens a journal store against a data directory,
// logs how many keys it holds, and keeps it open until interrupted, then
// shuts it down cleanly. It performs no reads or writes of its own.
package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/ferdiknight/finjournal/config"
	"github.com/ferdiknight/finjournal/pkg/journal"
)

func main() {
	confPath := flag.String("conf", "", "path to tunables config file (optional)")
	dataDir := flag.String("dir", "./data", "path to the store's data directory")
	name := flag.String("name", "store", "segment file base name")
	force := flag.Bool("force", false, "fsync every segment write immediately (O_SYNC)")
	lru := flag.Bool("lru", false, "use the LRU+disk-backed index instead of the fully in-RAM one")
	flag.Parse()

	if *confPath != "" {
		if _, err := os.Stat(*confPath); os.IsNotExist(err) {
			log.Fatal("conf file not exist")
		}
		if err := config.Init(*confPath); err != nil {
			log.Fatal(err)
		}
	}

	opts := []journal.Option{
		journal.WithPath(*dataDir),
		journal.WithName(*name),
		journal.WithForce(*force),
	}
	if *lru {
		opts = append(opts, journal.WithIndexLRU(1<<16, 1<<10))
	}
	if *confPath != "" {
		// Open installs its Tunables option as the current tunables, so
		// pass the ones loaded from the config file through it.
		opts = append(opts, journal.WithTunables(config.Get()))
	}

	store, err := journal.Open(opts...)
	if err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	log.Printf("finjournalctl: store open at %s (name=%s), %d keys", store.Path(), store.Name(), store.Size())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	<-sigCh
	log.Println("finjournalctl: shutting down...")

	if err := store.Close(); err != nil {
		log.Printf("finjournalctl: error during shutdown: %v", err)
	}
}
