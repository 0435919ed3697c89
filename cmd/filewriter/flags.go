package main

import (
	"flag"
	"fmt"
	"os"
)

// cliFlags is the "minimal, not hard part" CLI surface (spec.md §6).
type cliFlags struct {
	ConfigFile     string
	CommandsJSON   string
	KafkaStatusURI string
	ServiceID      string
	LogFile        string
	LogLevel       int
	ListModules    bool
}

func parseFlags(args []string) (*cliFlags, error) {
	fs := flag.NewFlagSet("filewriter", flag.ContinueOnError)
	c := &cliFlags{}

	fs.StringVar(&c.ConfigFile, "config-file", "", "path to the process YAML config file")
	fs.StringVar(&c.CommandsJSON, "commands-json", "", "path to a file of newline-delimited control commands to run at startup")
	fs.StringVar(&c.KafkaStatusURI, "kafka-status-uri", "", "broker URI override for the single broker connection (control, data and status topics)")
	fs.StringVar(&c.ServiceID, "service-id", "", "override this instance's service id")
	fs.StringVar(&c.LogFile, "log-file", "", "write structured logs to this file instead of stderr")
	fs.IntVar(&c.LogLevel, "log-level", -1, "log verbosity: 0=debug 1=info 2=warn 3=error")
	fs.BoolVar(&c.ListModules, "list-modules", false, "print the registered writer module schema ids and exit")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return c, nil
}

func printModules(ids []string) {
	for _, id := range ids {
		fmt.Fprintln(os.Stdout, id)
	}
}
