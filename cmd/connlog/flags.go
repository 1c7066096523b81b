package main

import "time"

// IngestFlags Flag structs to decouple cobra from logic for testing.
type IngestFlags struct {
	Input         string // JSON-lines file; "" or "-" reads stdin
	MetricsListen string // overrides [metrics] listen
	AdminListen   string // overrides [admin] listen
}

type RenderFlags struct {
	Input  string
	Format string
}

// AdminFlags address the admin API of a running ingester.
type AdminFlags struct {
	APIURL   string
	Timeout  time.Duration
	Insecure bool
}
