// Command ledgerctl inspects and prunes a transfer ledger file from the
// command line, the way the teacher's sender/receiver binaries each took
// a flag-driven single action rather than a subcommand tree.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/deb2000-sudo/dropshift/internal/ledger"
)

func main() {
	path := flag.String("ledger", "", "path to the ledger file")
	since := flag.Uint64("since", 0, "list records created after this unix timestamp (seconds)")
	purgeUntil := flag.Uint64("purge-until", 0, "purge records created at or before this unix timestamp (seconds)")
	purgeIDs := flag.String("purge-ids", "", "comma-separated transfer ids to purge")
	flag.Parse()

	if *path == "" {
		flag.Usage()
		os.Exit(1)
	}

	led, err := ledger.Open(*path)
	if err != nil {
		log.Fatalf("open ledger %s: %v", *path, err)
	}
	defer led.Close()

	if *purgeUntil > 0 {
		if err := led.PurgeUntil(*purgeUntil); err != nil {
			log.Fatalf("purge until %d: %v", *purgeUntil, err)
		}
		fmt.Printf("purged records created at or before unix %d\n", *purgeUntil)
		return
	}

	if *purgeIDs != "" {
		ids := strings.Split(*purgeIDs, ",")
		if err := led.PurgeIDs(ids); err != nil {
			log.Fatalf("purge ids %v: %v", ids, err)
		}
		fmt.Printf("purged %d transfer id(s)\n", len(ids))
		return
	}

	recs, err := led.TransfersSince(*since)
	if err != nil {
		log.Fatalf("list records since %d: %v", *since, err)
	}
	for _, r := range recs {
		b, err := json.Marshal(r)
		if err != nil {
			log.Fatalf("marshal record: %v", err)
		}
		fmt.Println(string(b))
	}
	fmt.Fprintf(os.Stderr, "%d record(s), last seq %s\n", len(recs), lastSeq(recs))
}

func lastSeq(recs []ledger.Record) string {
	if len(recs) == 0 {
		return "-"
	}
	return strconv.FormatUint(recs[len(recs)-1].Seq, 10)
}
