// Command raftwal-bench load-generates append traffic against a SegmentedLog
// and reports append latency as an HDR histogram.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/benmathews/bench"
	hdrwriter "github.com/benmathews/hdrhistogram-writer"

	"github.com/sigilant/raftwal"
	"github.com/sigilant/raftwal/types"
)

func main() {
	dir := flag.String("dir", "", "storage directory to write into (required)")
	entrySize := flag.Int("entry-size", 256, "payload size in bytes per appended entry")
	rate := flag.Uint64("rate", 1000, "target appends per second")
	duration := flag.Duration("duration", 10*time.Second, "benchmark duration")
	out := flag.String("out", "", "path to write the latency distribution to (optional)")
	flag.Parse()

	if *dir == "" {
		fmt.Fprintln(os.Stderr, "raftwal-bench: -dir is required")
		os.Exit(2)
	}

	w, err := raftwal.Open(*dir, raftwal.WithSyncBatch(64, 5*time.Millisecond))
	if err != nil {
		log.Fatalf("opening log: %v", err)
	}
	defer w.Close()

	req := &appendRequester{w: w, payload: make([]byte, *entrySize)}

	benchmark := bench.NewBenchmark(constantRequesterFactory{req}, *rate, 1, *duration, 0)
	summary, err := benchmark.Run()
	if err != nil {
		log.Fatalf("bench run: %v", err)
	}
	fmt.Println(summary)

	hist := req.hist
	fmt.Printf("appends=%d p50=%dus p99=%dus max=%dus\n",
		hist.TotalCount(), hist.ValueAtQuantile(50), hist.ValueAtQuantile(99), hist.Max())

	if *out != "" {
		if err := summary.GenerateLatencyDistribution(hdrwriter.Logarithmic, *out); err != nil {
			log.Fatalf("writing distribution to %s: %v", *out, err)
		}
	}
}

// appendRequester drives one logical connection that appends sequential
// entries to w, recording each call's latency into its own histogram so
// percentiles can be reported without a shared lock on the hot path.
type appendRequester struct {
	w       *raftwal.SegmentedLog
	payload []byte
	next    uint64
	term    uint64

	hist *hdrhistogram.Histogram
}

func (r *appendRequester) Setup() error {
	r.next = 1
	r.term = 1
	r.hist = hdrhistogram.New(1, time.Minute.Microseconds(), 4)
	return nil
}

func (r *appendRequester) Request() error {
	start := time.Now()
	err := r.w.Append(types.LogEntry{Index: r.next, Term: r.term, Type: types.EntryNormal, Payload: r.payload})
	_ = r.hist.RecordValue(time.Since(start).Microseconds())
	r.next++
	return err
}

func (r *appendRequester) Teardown() error { return nil }

// constantRequesterFactory always returns the same requester: this benchmark
// uses a single logical connection against the log's single writer, so there
// is nothing to vary per connection number.
type constantRequesterFactory struct {
	r *appendRequester
}

func (f constantRequesterFactory) GetRequester(number uint64) bench.Requester {
	return f.r
}
