// Command relay runs a standalone UDP forwarding edge node and, if
// -directory-url is set, registers itself with the directory service so
// peers can discover it (spec.md's Non-goals exclude NAT traversal
// design; this only forwards already-addressed datagrams).
package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"strconv"

	"github.com/deb2000-sudo/dropshift/internal/directory"
	"github.com/deb2000-sudo/dropshift/internal/relay"
)

func main() {
	listenPort := flag.Int("listen-port", 9001, "UDP port to listen on")
	forwardAddr := flag.String("forward-address", "127.0.0.1:9090", "destination UDP address")
	relayID := flag.String("relay-id", "relay-1", "unique relay identifier")
	region := flag.String("region", "", "optional region label reported to the directory service")
	directoryURL := flag.String("directory-url", "", "directory service base URL (optional)")
	flag.Parse()

	listen := ":" + strconv.Itoa(*listenPort)

	fwd, err := relay.NewForwarder(listen, *forwardAddr, *relayID)
	if err != nil {
		log.Fatalf("create forwarder: %v", err)
	}

	if *directoryURL != "" {
		client := directory.NewClient(*directoryURL)
		if _, err := client.RegisterRelay(*relayID, listen, *region); err != nil {
			log.Printf("register with directory service: %v", err)
		}
	}

	log.Printf("Relay %s listening on %s, forwarding to %s", *relayID, listen, *forwardAddr)
	fwd.Start()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	<-sigCh
	log.Println("Shutting down relay...")
	if err := fwd.Close(); err != nil {
		log.Printf("error closing forwarder: %v", err)
	}
}
