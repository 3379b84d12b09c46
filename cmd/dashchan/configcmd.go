package main

import (
	"errors"
	"fmt"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

func runConfig(args []string) int {
	fs := pflag.NewFlagSet("config", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	cf := addClientFlags(fs)
	quiet := fs.BoolP("quiet", "q", false, "Only validate; print nothing on success")

	fs.Usage = func() {
		fmt.Fprintln(stderr, `Usage: dashchan config [options]

Print the effective configuration as YAML: defaults, then the file given
with --config, then DASHCHAN_* environment variables, then flags. The
output can be saved and passed back with --config.

Options:`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return ExitSuccess
		}
		return ExitInvalidArgs
	}
	if fs.NArg() != 0 {
		fmt.Fprintln(stderr, "Error: unexpected arguments")
		fs.Usage()
		return ExitInvalidArgs
	}

	cfg, err := cf.load()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return ExitValidationFailed
	}
	if *quiet {
		return ExitSuccess
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fail(err)
	}
	stdout.Write(data)
	return ExitSuccess
}
