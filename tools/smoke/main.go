// Package main provides a CI-friendly smoke test for a Juggler server.
//
// It validates:
//   - dial + handshake
//   - empty-name request echo
//   - a named request round trip ("echo")
//   - state mirrors at least one server-side value within a deadline
//     (skipped if -want-state is empty)
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"juggler"
)

func main() {
	var (
		wsURL     = flag.String("url", "ws://127.0.0.1:8080/ws", "Juggler WebSocket URL")
		text      = flag.String("text", "hello juggler", "Text payload for the echo request")
		wantState = flag.String("want-state", "", "If set, wait for State().Data() to JSON-equal this value")
		timeout   = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose   = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}

	root := context.Background()

	notified := make(chan string, 16)
	cli, err := juggler.Connect(root, *wsURL, juggler.ClientOptions{
		NotifyCb: func(c *juggler.Client, name string, data json.RawMessage) error {
			select {
			case notified <- name:
			default:
			}
			return nil
		},
	})
	if err != nil {
		fatalf("connect: %v", err)
	}
	defer cli.Close()

	if *verbose {
		fmt.Println("connected")
	}

	mustEmptyNameEcho(root, cli, *timeout, *verbose)
	mustNamedEcho(root, cli, *text, *timeout, *verbose)

	if *wantState != "" {
		mustObserveState(cli, *wantState, *timeout, *verbose)
	}

	select {
	case name := <-notified:
		if *verbose {
			fmt.Printf("received notify %q\n", name)
		}
	default:
	}

	fmt.Println("OK")
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	return nil
}

func mustEmptyNameEcho(parent context.Context, cli *juggler.Client, stepTimeout time.Duration, verbose bool) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	payload, _ := json.Marshal(42)
	resp, err := cli.Send(ctx, "", payload)
	if err != nil {
		fatalf("empty-name request: %v", err)
	}
	if string(resp) != string(payload) {
		fatalf("empty-name echo mismatch: got=%s want=%s", resp, payload)
	}
	if verbose {
		fmt.Println("empty-name echo OK")
	}
}

func mustNamedEcho(parent context.Context, cli *juggler.Client, text string, stepTimeout time.Duration, verbose bool) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	payload, _ := json.Marshal(text)
	resp, err := cli.Send(ctx, "echo", payload)
	if err != nil {
		var remoteErr *juggler.RemoteError
		if errors.As(err, &remoteErr) {
			fatalf("echo request rejected: %v", remoteErr)
		}
		fatalf("echo request: %v", err)
	}
	if string(resp) != string(payload) {
		fatalf("echo mismatch: got=%s want=%s", resp, payload)
	}
	if verbose {
		fmt.Println("echo OK")
	}
}

func mustObserveState(cli *juggler.Client, want string, stepTimeout time.Duration, verbose bool) {
	deadline := time.Now().Add(stepTimeout)
	for time.Now().Before(deadline) {
		got, err := json.Marshal(cli.State().Data())
		if err == nil && string(got) == want {
			if verbose {
				fmt.Println("state observed OK")
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	fatalf("timed out waiting for state to equal %s", want)
}

func fatalf(format string, args ...any) {
	_, _ = fmt.Fprintf(os.Stderr, "juggler-smoke: "+format+"\n", args...)
	os.Exit(1)
}
