package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"replyd/internal/core/health"
)

// ProbeFlags configure the probe subcommand.
type ProbeFlags struct {
	Addrs   []string
	Payload string
	Expect  string
	Count   int
	Timeout time.Duration
}

// NewProbeCmd returns the probe subcommand, a small client for checking a
// running server.
func NewProbeCmd() *cobra.Command {
	f := &ProbeFlags{}
	probeCmd := &cobra.Command{
		Use:   "probe",
		Short: "Send a payload to one or more servers and verify the reply",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProbe(cmd, f)
		},
	}
	flags := probeCmd.Flags()
	flags.StringSliceVar(&f.Addrs, "addr", []string{"127.0.0.1:8000"}, "Server address, repeatable")
	flags.StringVar(&f.Payload, "payload", "hello", "Bytes to send each round")
	flags.StringVar(&f.Expect, "expect", "test", "Expected reply")
	flags.IntVar(&f.Count, "count", 1, "Rounds per connection")
	flags.DurationVar(&f.Timeout, "timeout", 3*time.Second, "Per-round timeout")
	return probeCmd
}

func runProbe(cmd *cobra.Command, f *ProbeFlags) error {
	if f.Payload == "" {
		return fmt.Errorf("--payload must not be empty, an empty write gets no reply")
	}
	checker := health.New(f.Timeout, []byte(f.Payload), []byte(f.Expect))
	out := cmd.OutOrStdout()

	failed := 0
	for _, addr := range f.Addrs {
		res := checker.Probe(cmd.Context(), addr, f.Count)
		for i, rd := range res.Rounds {
			fmt.Fprintf(out, "%s round=%d reply=%q latency=%s\n", addr, i+1, rd.Reply, rd.Latency)
		}
		if res.Err != nil {
			failed++
			fmt.Fprintf(out, "%s FAIL %v\n", addr, res.Err)
			continue
		}
		fmt.Fprintf(out, "%s OK avg=%s\n", addr, res.Latency())
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d probes failed", failed, len(f.Addrs))
	}
	return nil
}
