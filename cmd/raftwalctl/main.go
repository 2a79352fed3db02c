// Command raftwalctl inspects a raftwal storage directory: it opens it with
// raftwal.Open, which verifies the directory against the consistency
// invariants a live SegmentedLog enforces, then reports the first and last
// index, the last term, and the readable range. Opening is not read-only:
// Open creates or updates meta.db and discards a torn tail frame of the
// in-progress segment, as it does for any caller.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/sigilant/raftwal"
)

func main() {
	dir := flag.String("dir", "", "storage directory to inspect (required)")
	flag.Parse()

	if *dir == "" {
		fmt.Fprintln(os.Stderr, "raftwalctl: -dir is required")
		flag.Usage()
		os.Exit(2)
	}

	if err := inspect(*dir); err != nil {
		fmt.Fprintf(os.Stderr, "raftwalctl: %v\n", err)
		os.Exit(1)
	}
}

func inspect(dir string) error {
	w, err := raftwal.Open(dir, raftwal.WithSyncAlways())
	if err != nil {
		return fmt.Errorf("opening %s: %w", dir, err)
	}
	defer w.Close()

	first, last := w.FirstIndex(), w.LastIndex()
	if last < 0 {
		fmt.Println("log is empty")
		return nil
	}

	fmt.Printf("first_index=%d last_index=%d last_term=%d\n", first, last, w.LastTerm())

	it := w.GetRange(uint64(first), uint64(last))
	defer it.Close()

	var firstSeen, count, lastSeen uint64
	haveFirst := false
	for {
		e, ok := it.Next()
		if !ok {
			break
		}
		if !haveFirst {
			firstSeen = e.Index
			haveFirst = true
		}
		lastSeen = e.Index
		count++
	}
	if haveFirst {
		fmt.Printf("readable_range=[%d,%d] entries=%d\n", firstSeen, lastSeen, count)
	}

	fmt.Println("directory and invariants OK")
	return nil
}
