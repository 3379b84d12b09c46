package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/Mishiranu/Dashchan-sub007/internal/downloader"
	chanhttp "github.com/Mishiranu/Dashchan-sub007/internal/http"
)

// Exit codes
const (
	ExitSuccess          = 0
	ExitGeneralError     = 1
	ExitInvalidArgs      = 2
	ExitSourceNotAccess  = 3
	ExitHTTPStatus       = 4
	ExitStorageError     = 5
	ExitPolicy           = 6
	ExitInvalidResponse  = 7
	ExitInterrupted      = 8
	ExitValidationFailed = 9
)

var (
	stdin  io.Reader = os.Stdin
	stdout io.Writer = os.Stdout
	stderr io.Writer = os.Stderr
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		printUsage()
		return ExitInvalidArgs
	}

	command := args[0]
	cmdArgs := args[1:]

	switch command {
	case "fetch":
		return runFetch(cmdArgs)
	case "post":
		return runPost(cmdArgs)
	case "mirror":
		return runMirror(cmdArgs)
	case "ws":
		return runWebSocket(cmdArgs)
	case "config":
		return runConfig(cmdArgs)
	case "help", "-h", "--help":
		printUsage()
		return ExitSuccess
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", command)
		printUsage()
		return ExitInvalidArgs
	}
}

func printUsage() {
	fmt.Fprintln(stderr, `Usage: dashchan <command> [options]

Commands:
  fetch     Execute a GET or HEAD request and write the response body
  post      Send a form or multipart request and write the response body
  mirror    Copy a URL into object storage with parallel range requests
  ws        Open a WebSocket, send messages and print what arrives
  config    Print or validate the effective configuration

Run 'dashchan <command> --help' for command-specific help.`)
}

// signalContext returns a context cancelled on SIGINT or SIGTERM. The holders
// are interrupted first so that blocked requests return promptly.
func signalContext(holders ...*chanhttp.Holder) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			fmt.Fprintln(stderr, "\n[dashchan] Received interrupt, shutting down...")
			for _, h := range holders {
				h.Interrupt()
			}
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, func() {
		signal.Stop(sigCh)
		cancel()
	}
}

// exitCode maps a command error to the process exit code.
func exitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var cbErr *downloader.CircuitBreakerError
	switch {
	case chanhttp.IsInterrupted(err), errors.Is(err, context.Canceled):
		return ExitInterrupted
	case errors.As(err, &cbErr):
		if len(cbErr.FailedChunks) > 0 {
			return exitCode(cbErr.FailedChunks[len(cbErr.FailedChunks)-1].Error)
		}
		return ExitSourceNotAccess
	case chanhttp.StatusCode(err) >= 0:
		return ExitHTTPStatus
	}

	switch chanhttp.TypeOf(err) {
	case chanhttp.ErrorUnsupportedScheme, chanhttp.ErrorConnectionReset, chanhttp.ErrorConnectTimeout,
		chanhttp.ErrorReadTimeout, chanhttp.ErrorInvalidCertificate, chanhttp.ErrorSSL:
		return ExitSourceNotAccess
	case chanhttp.ErrorUnsafeRedirect, chanhttp.ErrorRelayBlock:
		return ExitPolicy
	case chanhttp.ErrorDownload, chanhttp.ErrorEmptyResponse, chanhttp.ErrorInvalidResponse:
		return ExitInvalidResponse
	}
	return ExitGeneralError
}

// fail prints err and returns its exit code.
func fail(err error) int {
	fmt.Fprintf(stderr, "Error: %v\n", err)
	return exitCode(err)
}
