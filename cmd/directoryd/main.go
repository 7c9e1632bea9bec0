// Command directoryd runs the directory service standalone: relay
// registration plus a read-only HTTP front onto a transfer ledger (spec.md
// §4.G exposed over HTTP for deployments that want history outside the
// embedding API).
package main

import (
	"log"
	"net/http"
	"os"

	"github.com/deb2000-sudo/dropshift/internal/directory"
	"github.com/deb2000-sudo/dropshift/internal/ledger"
)

func main() {
	addr := ":8000"
	if v := os.Getenv("DIRECTORYD_LISTEN_ADDR"); v != "" {
		addr = v
	}
	ledgerPath := "directoryd.ledger.jsonl"
	if v := os.Getenv("DIRECTORYD_LEDGER_PATH"); v != "" {
		ledgerPath = v
	}

	led, err := ledger.Open(ledgerPath)
	if err != nil {
		log.Fatalf("open ledger: %v", err)
	}
	defer led.Close()

	svc := directory.NewService(led)
	mux := http.NewServeMux()
	svc.RegisterRoutes(mux)

	log.Printf("directoryd listening on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Fatalf("directoryd server error: %v", err)
	}
}
