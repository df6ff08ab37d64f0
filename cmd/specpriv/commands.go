package main

import (
	"fmt"
	"runtime"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/kolkov/specpriv/internal/runlog"
	"github.com/kolkov/specpriv/internal/workload"
	"github.com/kolkov/specpriv/specpriv"
)

func newWorkloadsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "workloads",
		Short: "List the bundled workloads",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			for _, name := range workload.Names() {
				wl, err := workload.Lookup(name)
				if err != nil {
					return err
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\n", wl.Name, wl.Schedule, wl.Description)
			}
			return tw.Flush()
		},
	}
}

func newConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			out, err := cfg.Dump()
			if err != nil {
				return err
			}
			if from := cfg.LoadedFrom(); from != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "# loaded from %s\n", from)
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
}

func newHistoryCmd() *cobra.Command {
	var (
		ledgerPath string
		name       string
		limit      int
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show runs recorded in a ledger",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			l, err := runlog.Open(ledgerPath)
			if err != nil {
				return err
			}
			defer l.Close()
			runs, err := l.Recent(cmd.Context(), name, limit)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "STARTED\tWORKLOAD\tITERATIONS\tWORKERS\tINVOCATIONS\tRECOVERED\tELAPSED\tMATCH")
			for _, r := range runs {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%d\t%v\t%v\n",
					r.StartedAt.Format("2006-01-02 15:04:05"), r.Workload, r.Iterations, r.Workers,
					r.Invocations, r.Recovered, r.Elapsed, r.Matches)
			}
			return tw.Flush()
		},
	}
	f := cmd.Flags()
	f.StringVar(&ledgerPath, "ledger", "specpriv.db", "SQLite ledger")
	f.StringVar(&name, "workload", "", "only runs of this workload")
	f.IntVar(&limit, "limit", 20, "maximum number of runs")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			info := specpriv.GetInfo()
			fmt.Fprintf(cmd.OutOrStdout(), "specpriv version %s (abi %s, %s/%s)\n",
				info.Version, info.ABI, runtime.GOOS, runtime.GOARCH)
		},
	}
}
