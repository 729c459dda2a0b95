package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/go-pluto/cosync/comm"
	"github.com/go-pluto/cosync/coordinator"
	"github.com/go-pluto/cosync/crdt"
	"github.com/go-pluto/cosync/crypto"
	"github.com/pkg/errors"
)

// Structs

// summary condenses the measured latencies.
type summary struct {
	Min    time.Duration
	Median time.Duration
	Max    time.Duration
}

// Functions

// measure appends edits elements through writer and records
// how long each one took to be applied at reader.
func measure(writer *coordinator.Handle, reader *coordinator.Handle, edits int, timeout time.Duration, out io.Writer) ([]time.Duration, error) {

	arrived := make(chan crdt.ID, edits)

	unsubscribe := reader.Subscribe(func(e coordinator.Event) {

		if e.Kind != coordinator.EventApplied || e.Op.Kind != crdt.Insert {
			return
		}

		select {
		case arrived <- e.Op.ID():
		default:
		}
	})
	defer unsubscribe()

	results := make([]time.Duration, 0, edits)

	for i := 0; i < edits; i++ {

		start := time.Now()

		op, err := writer.LocalEdit(coordinator.InsertAt(writer.Len(), strconv.Itoa(i)))
		if err != nil {
			return results, err
		}

		deadline := time.After(timeout)

	wait:
		for {
			select {
			case id := <-arrived:
				if id == op.ID() {
					break wait
				}
			case <-deadline:
				return results, errors.Errorf("edit %d did not arrive within %s", i, timeout)
			}
		}

		diff := time.Since(start)
		results = append(results, diff)

		if _, err := fmt.Fprintf(out, "%d, %s\n", i, diff); err != nil {
			return results, errors.Wrap(err, "failed to write result")
		}
	}

	return results, nil
}

// summarize returns minimum, median and maximum of results.
func summarize(results []time.Duration) summary {

	if len(results) == 0 {
		return summary{}
	}

	sorted := append([]time.Duration(nil), results...)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i] < sorted[j]
	})

	return summary{
		Min:    sorted[0],
		Median: sorted[len(sorted)/2],
		Max:    sorted[len(sorted)-1],
	}
}

// open joins documentID with a client of its own.
func open(ctx context.Context, logger log.Logger, opts coordinator.Options, documentID string, token string) (*coordinator.Client, *coordinator.Handle, error) {

	client := coordinator.NewClient(logger, opts)

	h, err := client.Open(ctx, documentID, coordinator.Credentials{Token: token})
	if err != nil {
		client.Close()
		return nil, nil, err
	}

	return client, h, nil
}

func main() {

	relayURL := flag.String("relay", "wss://127.0.0.1:7070/ws", "Declare the WebSocket endpoint of the relay to measure.")
	rootCert := flag.String("rootcert", "", "Verify the relay against this PEM certificate instead of the system roots.")
	documentID := flag.String("doc", "evaluation", "Name of the document edits are appended to.")
	writerToken := flag.String("writer", "", "Token of the writing client (required).")
	readerToken := flag.String("reader", "", "Token of the reading client (required).")
	edits := flag.Int("edits", 100, "Number of edits to measure.")
	output := flag.String("output", "", "Append results to this file (required).")
	flag.Parse()

	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC)

	if *writerToken == "" || *readerToken == "" || *output == "" {
		level.Error(logger).Log("msg", "not enough arguments, try -h")
		os.Exit(1)
	}

	tlsConfig, err := crypto.NewClientTLSConfig(*rootCert)
	if err != nil {
		level.Error(logger).Log("msg", "failed to load root certificate", "err", err)
		os.Exit(1)
	}

	opts := coordinator.Options{
		RelayURL:      *relayURL,
		WebSocket:     comm.DialerOptions(tlsConfig),
		CreateMissing: true,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	quiet := level.NewFilter(logger, level.AllowWarn())

	writerClient, writer, err := open(ctx, quiet, opts, *documentID, *writerToken)
	if err != nil {
		level.Error(logger).Log("msg", "failed to open writer", "err", err)
		os.Exit(2)
	}
	defer writerClient.Close()

	readerClient, reader, err := open(ctx, quiet, opts, *documentID, *readerToken)
	if err != nil {
		level.Error(logger).Log("msg", "failed to open reader", "err", err)
		os.Exit(2)
	}
	defer readerClient.Close()

	f, err := os.OpenFile(*output, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		level.Error(logger).Log("msg", "failed to open output file", "err", err)
		os.Exit(3)
	}
	defer f.Close()

	results, err := measure(writer, reader, *edits, 10*time.Second, f)
	if err != nil {
		level.Error(logger).Log("msg", "measurement aborted", "done", len(results), "err", err)
		os.Exit(4)
	}

	s := summarize(results)
	level.Info(logger).Log(
		"msg", "done",
		"edits", len(results),
		"min", s.Min,
		"median", s.Median,
		"max", s.Max,
	)
}
