package main

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/pflag"

	chanhttp "github.com/Mishiranu/Dashchan-sub007/internal/http"
	"github.com/Mishiranu/Dashchan-sub007/internal/progress"
)

// requestFlags are the per-request options of fetch and post.
type requestFlags struct {
	headers    []string
	cookies    []string
	output     string
	include    bool
	noRedirect bool
	allowError bool
	text       bool
	progress   bool
}

func addRequestFlags(fs *pflag.FlagSet) *requestFlags {
	f := &requestFlags{}
	fs.StringArrayVarP(&f.headers, "header", "H", nil, "Request header as 'Name: value' (repeatable)")
	fs.StringArrayVarP(&f.cookies, "cookie", "b", nil, "Cookie as 'name=value' or a Cookie header string (repeatable)")
	fs.StringVarP(&f.output, "output", "o", "", "Write the body to a file instead of stdout")
	fs.BoolVarP(&f.include, "include", "i", false, "Print the status line and headers to stderr")
	fs.BoolVar(&f.noRedirect, "no-redirect", false, "Do not follow redirects")
	fs.BoolVar(&f.allowError, "allow-error", false, "Write the body of error responses instead of failing")
	fs.BoolVar(&f.text, "text", false, "Decode the body to UTF-8 using the response charset")
	fs.BoolVar(&f.progress, "progress", false, "Show progress even when stderr is not a terminal")
	return f
}

// apply copies the flags onto r.
func (f *requestFlags) apply(r *chanhttp.Request) error {
	for _, h := range f.headers {
		name, value, err := parseHeader(h)
		if err != nil {
			return err
		}
		r.AddHeader(name, value)
	}
	for _, c := range f.cookies {
		r.AddCookieString(c)
	}
	if f.noRedirect {
		r.RedirectHandler(chanhttp.RedirectNone)
	}
	if f.allowError {
		r.SuccessOnly(false)
	}
	return nil
}

// write prints the response head when asked and copies the body to the
// output. The bytes are counted on reporter when it is set.
func (f *requestFlags) write(resp *chanhttp.Response, reporter *progress.Reporter) (int64, error) {
	if f.include {
		printHead(resp)
	}

	var w io.Writer = stdout
	if f.output != "" {
		file, err := os.Create(f.output)
		if err != nil {
			return 0, fmt.Errorf("create output: %w", err)
		}
		defer file.Close()
		w = file
	}
	if reporter != nil {
		w = io.MultiWriter(w, reporter.Writer())
	}

	if f.text {
		text, err := resp.Text()
		if err != nil {
			return 0, err
		}
		n, err := io.WriteString(w, text)
		return int64(n), err
	}
	return resp.ReadTo(w)
}

func printHead(resp *chanhttp.Response) {
	fmt.Fprintf(stderr, "%d %s\n", resp.StatusCode(), resp.Message())
	header := resp.Header()
	names := make([]string, 0, len(header))
	for name := range header {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		for _, v := range header[name] {
			fmt.Fprintf(stderr, "%s: %s\n", name, v)
		}
	}
	fmt.Fprintln(stderr)
}

func runFetch(args []string) int {
	fs := pflag.NewFlagSet("fetch", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	cf := addClientFlags(fs)
	rf := addRequestFlags(fs)

	head := fs.BoolP("head", "I", false, "Send HEAD instead of GET")
	byteRange := fs.StringP("range", "r", "", "Byte range as 'start-end' or 'start-'")
	validatorPath := fs.String("validator", "", "Validator file; sent when present and updated after a successful fetch")

	fs.Usage = func() {
		fmt.Fprintln(stderr, `Usage: dashchan fetch [options] URL

Execute a GET request and write the response body to stdout or a file.
Redirects, retries and relay checks are handled by the client. With
--validator the request is conditional and a 304 leaves the output alone.

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
	req := chanhttp.NewRequest(uri, holder).
		KeepAlive(cfg.KeepAlive).
		Delay(cfg.Delay)
	if *head {
		req.Head()
	}
	if err := rf.apply(req); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return ExitInvalidArgs
	}
	if *byteRange != "" {
		start, end, err := parseRange(*byteRange)
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return ExitInvalidArgs
		}
		req.Range(start, end)
	}

	var stored *chanhttp.Validator
	if *validatorPath != "" {
		stored, err = loadValidator(*validatorPath)
		if err != nil {
			logger.Warn("ignoring unreadable validator", "path", *validatorPath, "error", err)
		}
		req.Validator(stored)
	}

	ctx, cancel := signalContext(holder)
	defer cancel()

	resp, err := req.Perform(ctx)
	if errors.Is(err, chanhttp.ErrNotModified) {
		fmt.Fprintf(stderr, "[dashchan] Not modified: %s\n", uri.Redacted())
		return ExitSuccess
	}
	if err != nil {
		return fail(err)
	}
	defer resp.Close()

	if *head {
		printHead(resp)
		return ExitSuccess
	}

	var reporter *progress.Reporter
	if rf.output != "" && showProgress(rf.progress) {
		reporter = progress.NewReporter(progress.Options{
			TotalSize: max(resp.Length(), 0),
			Output:    stderr,
			Label:     uri.Redacted(),
		})
		reporter.Start()
		reporter.ChunkStarted()
	}
	n, err := rf.write(resp, reporter)
	if reporter != nil {
		if err == nil {
			reporter.ChunkCompleted()
		}
		reporter.Stop()
	}
	if err != nil {
		return fail(err)
	}

	if *validatorPath != "" && resp.StatusCode() < 300 {
		if v := resp.Validator(); v != nil {
			if err := storeValidator(*validatorPath, v); err != nil {
				return fail(err)
			}
		}
	}
	if rf.output != "" {
		fmt.Fprintf(stderr, "[dashchan] Saved %s to %s\n", progress.FormatBytes(n), rf.output)
	}
	return ExitSuccess
}

// parseRange parses "start-end" or "start-" into inclusive bounds. An open
// end is -1.
func parseRange(s string) (int64, int64, error) {
	startStr, endStr, ok := strings.Cut(s, "-")
	if !ok {
		return 0, 0, fmt.Errorf("invalid range %q, expected 'start-end'", s)
	}
	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil || start < 0 {
		return 0, 0, fmt.Errorf("invalid range start %q", startStr)
	}
	end := int64(-1)
	if endStr != "" {
		end, err = strconv.ParseInt(endStr, 10, 64)
		if err != nil || end < start {
			return 0, 0, fmt.Errorf("invalid range end %q", endStr)
		}
	}
	return start, end, nil
}

func loadValidator(path string) (*chanhttp.Validator, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	v := new(chanhttp.Validator)
	if err := v.UnmarshalBinary(data); err != nil {
		return nil, err
	}
	return v, nil
}

func storeValidator(path string, v *chanhttp.Validator) error {
	data, err := v.MarshalBinary()
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write validator: %w", err)
	}
	return nil
}
