package main

import (
	"bufio"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/url"
	"sync"

	"github.com/spf13/pflag"

	"github.com/Mishiranu/Dashchan-sub007/internal/websocket"
)

const receivedEnough = "received"

// lockedWriter serializes writes from the event handler and the command.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

func runWebSocket(args []string) int {
	fs := pflag.NewFlagSet("ws", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	cf := addClientFlags(fs)

	headers := fs.StringArrayP("header", "H", nil, "Handshake header as 'Name: value' (repeatable)")
	cookies := fs.StringArrayP("cookie", "b", nil, "Cookie as 'name=value' or a Cookie header string (repeatable)")
	messages := fs.StringArrayP("send", "s", nil, "Text message to send after the handshake (repeatable)")
	fromStdin := fs.Bool("stdin", false, "Send each line of stdin as a text message")
	count := fs.Int("count", 0, "Exit after this many messages were received")
	wait := fs.Duration("wait", 0, "Exit after listening this long (default: until the peer closes)")

	fs.Usage = func() {
		fmt.Fprintln(stderr, `Usage: dashchan ws [options] URL

Open a WebSocket connection, send the given messages and print every
message received to stdout. Binary messages are printed in hex.

Options:`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return ExitSuccess
		}
		return ExitInvalidArgs
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(stderr, "Error: exactly one URL is required")
		fs.Usage()
		return ExitInvalidArgs
	}
	uri, err := url.Parse(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(stderr, "Error: invalid URL: %v\n", err)
		return ExitInvalidArgs
	}

	cfg, err := cf.load()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return ExitInvalidArgs
	}
	client, logger, err := cf.client(cfg)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return ExitInvalidArgs
	}
	defer client.CloseIdleConnections()

	holder := client.NewHolder(uri.Hostname())
	ws := websocket.New(uri, holder)
	for _, h := range *headers {
		name, value, err := parseHeader(h)
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return ExitInvalidArgs
		}
		ws.AddHeader(name, value)
	}
	for _, c := range *cookies {
		ws.AddCookieString(c)
	}

	ctx, cancel := signalContext(holder)
	defer cancel()

	out := &lockedWriter{w: stdout}
	var received int
	handler := websocket.HandlerFunc(func(e *websocket.Event) {
		if *count > 0 && received >= *count {
			return
		}
		received++
		if e.IsBinary() {
			fmt.Fprintf(out, "[binary %d] %s\n", len(e.Data()), hex.EncodeToString(e.Data()))
		} else {
			fmt.Fprintf(out, "%s\n", e.Data())
		}
		if *count > 0 && received == *count {
			e.Complete(receivedEnough)
		}
	})

	conn, err := ws.Open(ctx, handler)
	if err != nil {
		return fail(err)
	}
	logger.Debug("websocket open", "uri", uri.Redacted())

	for _, m := range *messages {
		if err := conn.SendText(m); err != nil {
			conn.Close()
			return fail(err)
		}
	}
	if *fromStdin {
		scanner := bufio.NewScanner(stdin)
		for scanner.Scan() {
			if err := conn.SendText(scanner.Text()); err != nil {
				conn.Close()
				return fail(err)
			}
		}
		if err := scanner.Err(); err != nil {
			conn.Close()
			return fail(fmt.Errorf("read stdin: %w", err))
		}
	}

	awaitCtx := ctx
	if *wait > 0 {
		var stop context.CancelFunc
		awaitCtx, stop = context.WithTimeout(ctx, *wait)
		defer stop()
	}
	err = conn.Await(awaitCtx, receivedEnough)
	if err != nil && ctx.Err() == nil && errors.Is(awaitCtx.Err(), context.DeadlineExceeded) {
		err = nil
	}
	conn.Close()
	if err != nil {
		return fail(err)
	}
	return ExitSuccess
}
