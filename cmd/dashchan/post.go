package main

import (
	"errors"
	"fmt"
	"net/url"

	"github.com/spf13/pflag"

	chanhttp "github.com/Mishiranu/Dashchan-sub007/internal/http"
	"github.com/Mishiranu/Dashchan-sub007/internal/progress"
)

func runPost(args []string) int {
	fs := pflag.NewFlagSet("post", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	cf := addClientFlags(fs)
	rf := addRequestFlags(fs)

	fields := fs.StringArrayP("field", "F", nil, "Form field as 'name=value' (repeatable)")
	files := fs.StringArray("file", nil, "File field as 'name=path' (repeatable, implies multipart)")
	urlencoded := fs.Bool("urlencoded", false, "Send application/x-www-form-urlencoded instead of multipart")
	data := fs.StringP("data", "d", "", "Raw request body; replaces the form")
	contentType := fs.String("content-type", "", "Content type of --data")

	fs.Usage = func() {
		fmt.Fprintln(stderr, `Usage: dashchan post [options] URL

Send a multipart form, an urlencoded form or a raw body and write the
response body to stdout or a file. Upload progress is shown for file
fields when stderr is a terminal.

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
	if *urlencoded && len(*files) > 0 {
		fmt.Fprintln(stderr, "Error: --file cannot be combined with --urlencoded")
		return ExitInvalidArgs
	}
	if fs.Changed("data") && (len(*fields) > 0 || len(*files) > 0) {
		fmt.Fprintln(stderr, "Error: --data cannot be combined with --field or --file")
		return ExitInvalidArgs
	}
	uri, err := url.Parse(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(stderr, "Error: invalid URL: %v\n", err)
		return ExitInvalidArgs
	}

	entity, err := buildEntity(*fields, *files, *urlencoded, fs.Changed("data"), *data, *contentType)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return ExitInvalidArgs
	}

	cfg, err := cf.load()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return ExitInvalidArgs
	}
	client, _, err := cf.client(cfg)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return ExitInvalidArgs
	}
	defer client.CloseIdleConnections()

	holder := client.NewHolder(uri.Hostname())
	req := chanhttp.NewRequest(uri, holder).
		Post(entity).
		KeepAlive(cfg.KeepAlive).
		Delay(cfg.Delay)
	if err := rf.apply(req); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return ExitInvalidArgs
	}

	var reporter *progress.Reporter
	if len(*files) > 0 && showProgress(rf.progress) {
		reporter = progress.NewReporter(progress.Options{
			TotalSize: max(entity.ContentLength(), 0),
			Output:    stderr,
			Label:     uri.Redacted(),
			Action:    "Uploading",
		})
		reporter.Start()
		req.OutputListener(reporter)
	}

	ctx, cancel := signalContext(holder)
	defer cancel()

	resp, err := req.Perform(ctx)
	if reporter != nil {
		reporter.Stop()
	}
	if err != nil {
		return fail(err)
	}
	defer resp.Close()

	if _, err := rf.write(resp, nil); err != nil {
		return fail(err)
	}
	return ExitSuccess
}

// buildEntity assembles the request body from the command line.
func buildEntity(fields, files []string, urlencoded, raw bool, data, contentType string) (chanhttp.Entity, error) {
	if raw {
		e := chanhttp.NewStringEntity(data)
		if contentType != "" {
			e.SetContentType(contentType)
		}
		return e, nil
	}

	if urlencoded {
		e := chanhttp.NewURLEncodedEntity()
		for _, f := range fields {
			name, value, err := parseField(f)
			if err != nil {
				return nil, err
			}
			e.Add(name, value)
		}
		return e, nil
	}

	e := chanhttp.NewMultipartEntity()
	for _, f := range fields {
		name, value, err := parseField(f)
		if err != nil {
			return nil, err
		}
		e.Add(name, value)
	}
	for _, f := range files {
		name, path, err := parseField(f)
		if err != nil {
			return nil, err
		}
		if err := e.AddFile(name, path); err != nil {
			return nil, err
		}
	}
	return e, nil
}
