package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/sugawarayuuta/sonnet"

	"github.com/kolkov/specpriv/internal/runlog"
	"github.com/kolkov/specpriv/internal/specpriv/checkpoint"
	"github.com/kolkov/specpriv/internal/specpriv/executive"
	"github.com/kolkov/specpriv/internal/workload"
)

// report is the summary of one run.
type report struct {
	runlog.Run
	ReferenceDigest string           `json:"reference_digest"`
	Checkpoints     checkpoint.Stats `json:"checkpoints"`
}

func newRunCmd() *cobra.Command {
	var (
		iterations int64
		asJSON     bool
		reportPath string
		ledgerPath string
	)
	cmd := &cobra.Command{
		Use:   "run <workload>",
		Short: "Run a workload and check it against sequential execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			wl, err := workload.Lookup(args[0])
			if err != nil {
				return err
			}
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			logger := cfg.NewLogger()
			logger.SetOutput(cmd.ErrOrStderr())
			e := executive.New(cfg, executive.Options{
				Logger: logger,
				Stdout: cmd.OutOrStdout(),
				Stderr: cmd.ErrOrStderr(),
			})
			if err := e.BeginProgram(); err != nil {
				return err
			}
			started := time.Now()
			o, err := workload.Execute(e, wl, iterations)
			if eerr := e.EndProgram(); err == nil {
				err = eerr
			}
			if err != nil {
				return err
			}

			r := newReport(wl.Name, cfg.Workers, cfg.WindowSize(cfg.Workers), started, o)
			logger.WithField("run", r.ID).Debug("run finished")
			if ledgerPath != "" {
				if err := record(cmd.Context(), ledgerPath, &r.Run); err != nil {
					return err
				}
			}

			out := cmd.ErrOrStderr()
			if reportPath != "" {
				f, err := os.Create(reportPath)
				if err != nil {
					return err
				}
				defer f.Close()
				out = f
			}
			if err := writeReport(out, r, asJSON); err != nil {
				return err
			}
			if !r.Matches {
				return errors.New("committed state differs from sequential execution")
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.Int64VarP(&iterations, "iterations", "n", 1000, "loop iterations")
	f.BoolVar(&asJSON, "json", false, "write the report as JSON")
	f.StringVar(&reportPath, "report", "", "write the report to this file instead of stderr")
	f.StringVar(&ledgerPath, "ledger", "", "record the run in this SQLite ledger")
	return cmd
}

func newReport(name string, workers, g int, started time.Time, o *workload.Outcome) *report {
	r := &report{
		Run: runlog.Run{
			ID:          uuid.New(),
			StartedAt:   started,
			Workload:    name,
			Iterations:  o.Iterations,
			Workers:     workers,
			Granularity: g,
			Invocations: o.Invocations,
			Recovered:   o.Recovered,
			Elapsed:     o.Elapsed,
			Digest:      fmt.Sprintf("%x", o.Digest),
			Matches:     o.Matches(),
		},
		ReferenceDigest: fmt.Sprintf("%x", o.ReferenceDigest),
		Checkpoints:     o.Stats,
	}
	for _, m := range o.Misspecs {
		r.Misspecs = append(r.Misspecs, runlog.Misspec{Iteration: m.Iteration, Worker: m.Worker, Reason: m.Reason})
	}
	return r
}

func writeReport(w io.Writer, r *report, asJSON bool) error {
	if asJSON {
		b, err := sonnet.Marshal(r)
		if err != nil {
			return fmt.Errorf("encode report: %w", err)
		}
		_, err = fmt.Fprintf(w, "%s\n", b)
		return err
	}

	status := "MATCH"
	if !r.Matches {
		status = "MISMATCH"
	}
	_, err := fmt.Fprintf(w, `run %s
workload:     %s (%d iterations)
workers:      %d, window %d
invocations:  %d (%d misspeculations, %d iterations recovered)
checkpoints:  %d created, %d combined, %d distilled, %d squashed
elapsed:      %v
digest:       %s %s
`,
		r.ID, r.Workload, r.Iterations, r.Workers, r.Granularity,
		r.Invocations, len(r.Misspecs), r.Recovered,
		r.Checkpoints.Created, r.Checkpoints.Combined, r.Checkpoints.Distilled, r.Checkpoints.Squashed,
		r.Elapsed, r.Digest[:16], status)
	if err != nil {
		return err
	}
	for _, m := range r.Misspecs {
		if _, err := fmt.Fprintf(w, "  misspeculation at %d (worker %d): %s\n", m.Iteration, m.Worker, m.Reason); err != nil {
			return err
		}
	}
	return nil
}

func record(ctx context.Context, path string, r *runlog.Run) error {
	l, err := runlog.Open(path)
	if err != nil {
		return err
	}
	return errors.Join(l.Record(ctx, r), l.Close())
}
