package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-pluto/cosync/config"
	"github.com/go-pluto/cosync/coordinator"
	"github.com/go-pluto/cosync/presence"
	"github.com/pkg/errors"
)

// Structs

// terminal is a line based client for one document.
// Every plain line is appended as an element, lines
// starting with a slash are commands.
type terminal struct {
	lock   *sync.Mutex
	handle *coordinator.Handle
	out    io.Writer
}

// Functions

// runClient opens documentID and reads edits from in until
// it is exhausted or /quit is entered.
func runClient(logger log.Logger, conf *config.Config, documentID string, token string, create bool, in io.Reader, out io.Writer) error {

	opts, err := newClientOptions(conf, create)
	if err != nil {
		return err
	}

	client := coordinator.NewClient(logger, opts)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	h, err := client.Open(ctx, documentID, coordinator.Credentials{Token: token})
	cancel()

	if err != nil {
		return errors.Wrapf(err, "failed to open document '%s'", documentID)
	}
	defer h.Close()

	t := &terminal{
		lock:   &sync.Mutex{},
		handle: h,
		out:    out,
	}

	unsubscribe := h.Subscribe(t.event)
	defer unsubscribe()

	t.printf("opened %s as %s\n", documentID, h.PeerID())
	t.printf("%s\n", h.Text())

	scanner := bufio.NewScanner(in)
	for scanner.Scan() {

		quit, err := t.command(scanner.Text())
		if err != nil {
			t.printf("error: %v\n", err)
		}

		if quit {
			return nil
		}
	}

	return scanner.Err()
}

func (t *terminal) printf(format string, args ...interface{}) {

	t.lock.Lock()
	defer t.lock.Unlock()

	fmt.Fprintf(t.out, format, args...)
}

// event prints what subscribers are told.
func (t *terminal) event(e coordinator.Event) {

	switch e.Kind {
	case coordinator.EventApplied:
		if !e.Local {
			t.printf("%s %s by %s: %s\n", e.Op.Kind, e.Op.ID(), e.Op.Origin, t.handle.Text())
		}
	case coordinator.EventReset:
		t.printf("reset: %s\n", t.handle.Text())
	case coordinator.EventConnectionLost:
		t.printf("connection lost: %v (use /reconnect)\n", e.Err)
	case coordinator.EventSynced:
		t.printf("synced\n")
	}
}

// command executes one input line and reports
// whether the client should stop.
func (t *terminal) command(line string) (bool, error) {

	if !strings.HasPrefix(line, "/") {
		_, err := t.handle.LocalEdit(coordinator.InsertAt(t.handle.Len(), line))
		return false, err
	}

	fields := strings.Fields(line)

	switch fields[0] {
	case "/quit":
		return true, nil

	case "/text":
		t.printf("%s\n", t.handle.Text())

	case "/insert", "/delete", "/update", "/cursor":

		if len(fields) < 2 {
			return false, errors.Errorf("%s needs a position", fields[0])
		}

		pos, err := strconv.Atoi(fields[1])
		if err != nil {
			return false, errors.Wrap(err, "invalid position")
		}

		rest := ""
		if len(fields) > 2 {
			rest = strings.Join(fields[2:], " ")
		}

		return false, t.edit(fields[0], pos, rest)

	case "/who":
		for _, e := range t.handle.Presence().Entries() {
			t.printf("%s %s at %s+%d\n", e.PeerID, e.Status, e.Cursor.Anchor, e.Cursor.Offset)
		}

	case "/status":
		t.printf("%s, %d pending\n", t.handle.SyncState(), t.handle.Pending())

	case "/flush":
		return false, t.flush(10 * time.Second)

	case "/reconnect":

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		return false, t.handle.Reconnect(ctx)

	default:
		return false, errors.Errorf("unknown command %s", fields[0])
	}

	return false, nil
}

// edit runs the positional commands.
func (t *terminal) edit(cmd string, pos int, content string) error {

	if cmd == "/insert" {
		_, err := t.handle.LocalEdit(coordinator.InsertAt(pos, content))
		return err
	}

	id, err := t.handle.At(pos)
	if err != nil {
		return err
	}

	switch cmd {
	case "/delete":
		_, err = t.handle.LocalEdit(coordinator.DeleteNode(id))
	case "/update":
		_, err = t.handle.LocalEdit(coordinator.UpdateNode(id, content))
	default:
		offset, _ := strconv.Atoi(content)
		err = t.handle.SetCursor(presence.Cursor{Anchor: id, Offset: offset})
	}

	return err
}

// flush waits until the relay acknowledged all local edits.
func (t *terminal) flush(timeout time.Duration) error {

	deadline := time.Now().Add(timeout)

	for t.handle.Pending() > 0 {

		if time.Now().After(deadline) {
			return errors.Errorf("%d edits still pending", t.handle.Pending())
		}

		time.Sleep(10 * time.Millisecond)
	}

	return nil
}
