package main

import "flag"

// Options holds CLI options for the node.
type Options struct {
	ConfigPath string
	NodeID     string
	Listen     string
}

// ParseFlags parses CLI flags from args and returns Options.
func ParseFlags(args []string) Options {
	fs := flag.NewFlagSet("arxlink-node", flag.ExitOnError)
	var opts Options
	fs.StringVar(&opts.ConfigPath, "config", "", "Path to YAML config file")
	fs.StringVar(&opts.NodeID, "node-id", "", "Override the configured node id")
	fs.StringVar(&opts.Listen, "listen", "", "Override the configured transport listen address")
	_ = fs.Parse(args)
	return opts
}
