package main

import (
	"time"

	"github.com/spf13/cobra"
)

// GlobalFlags holds persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
}

type ServeFlags struct {
	Daemonize bool
	PidFile   string
	LogFile   string
}

// APIFlags select and authenticate against a keepup daemon.
type APIFlags struct {
	APIUrl     string
	APITimeout time.Duration
	Token      string
	Username   string
	Password   string
	CAFile     string
	Insecure   bool
}

type EnsureFlags struct {
	API APIFlags
}

type WaitFlags struct {
	API      APIFlags
	Port     int
	Mode     string
	Path     string
	Timeout  time.Duration
	Interval time.Duration
}

type TokenFlags struct {
	Secret   string
	Subject  string
	Roles    []string
	TTL      time.Duration
	Issuer   string
	Audience string
}

type LoginFlags struct {
	API   APIFlags
	Roles []string
	TTL   time.Duration
}

type InitFlags struct {
	Type   string
	Name   string
	Output string
	Force  bool
}

// bindAPIFlags registers the daemon connection flags on cmd.
func bindAPIFlags(cmd *cobra.Command, f *APIFlags) {
	cmd.Flags().StringVar(&f.APIUrl, "api-url", "", "daemon API URL (e.g. http://host:8420/api); defaults to the logged-in server")
	cmd.Flags().DurationVar(&f.APITimeout, "api-timeout", 10*time.Second, "request timeout")
	cmd.Flags().StringVar(&f.Token, "token", "", "bearer token (overrides the saved session)")
	cmd.Flags().StringVar(&f.Username, "user", "", "basic auth username; password is read from KEEPUP_PASSWORD")
	cmd.Flags().StringVar(&f.CAFile, "ca-file", "", "CA certificate for https daemons")
	cmd.Flags().BoolVar(&f.Insecure, "insecure", false, "skip TLS verification")
}
