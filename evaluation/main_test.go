package main

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-pluto/cosync/auth"
	"github.com/go-pluto/cosync/coordinator"
	"github.com/go-pluto/cosync/relay"
	"github.com/go-pluto/cosync/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Functions

// TestMeasure runs a short measurement against
// an in-process relay.
func TestMeasure(t *testing.T) {

	env, err := utils.CreateTestEnv(log.NewNopLogger(), []auth.Token{
		{Value: "writer-token", User: "writer"},
		{Value: "reader-token", User: "reader"},
	}, relay.Options{AllowCreate: true})
	if err != nil {
		t.Fatalf("[evaluation.TestMeasure] Expected test environment but received: '%v'\n", err)
	}
	defer env.Close()

	opts := coordinator.Options{
		RelayURL:      env.URL,
		WebSocket:     env.Dialer(),
		CreateMissing: true,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	writerClient, writer, err := open(ctx, log.NewNopLogger(), opts, "bench", "writer-token")
	require.NoError(t, err)
	defer writerClient.Close()

	readerClient, reader, err := open(ctx, log.NewNopLogger(), opts, "bench", "reader-token")
	require.NoError(t, err)
	defer readerClient.Close()

	out := &bytes.Buffer{}

	results, err := measure(writer, reader, 10, 5*time.Second, out)
	if err != nil {
		t.Fatalf("[evaluation.TestMeasure] Expected measurement to finish but received: '%v'\n", err)
	}

	assert.Len(t, results, 10)
	assert.Len(t, strings.Split(strings.TrimSpace(out.String()), "\n"), 10)
	assert.Equal(t, "0123456789", reader.Text())

	_, _, err = open(ctx, log.NewNopLogger(), opts, "bench", "nobody")
	assert.Error(t, err)
}

func TestSummarize(t *testing.T) {

	s := summarize([]time.Duration{5, 1, 3, 4, 2})

	assert.Equal(t, time.Duration(1), s.Min)
	assert.Equal(t, time.Duration(3), s.Median)
	assert.Equal(t, time.Duration(5), s.Max)

	assert.Equal(t, summary{}, summarize(nil))
}
