// Command hamdb bundles the engine's maintenance tooling: inspecting a
// database file, a guided demo of the tabular surface, and a workload
// benchmark.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/intellect4all/hamdb/common/benchmark"
	"github.com/intellect4all/hamdb/engine"
	"github.com/intellect4all/hamdb/table"
)

var verbose bool

func main() {
	root := &cobra.Command{
		Use:   "hamdb",
		Short: "hamdb embedded key-value store tooling",
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(inspectCmd(), demoCmd(), benchCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func logger() *zerolog.Logger {
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	l := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(level).With().Timestamp().Logger()
	return &l
}

func inspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <file>",
		Short: "Print the header page and database table of a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := engine.Open(engine.Config{
				Path:   args[0],
				Flags:  engine.FlagReadOnly,
				Logger: logger(),
			})
			if err != nil {
				return err
			}
			defer env.Close()

			params := env.Parameters()
			fmt.Printf("file:          %s\n", params.Path)
			fmt.Printf("page size:     %d\n", params.PageSize)
			fmt.Printf("max databases: %d\n", params.MaxDatabases)

			names := env.DatabaseNames()
			fmt.Printf("databases:     %d\n", len(names))
			for _, name := range names {
				db, err := env.OpenDatabase(name, engine.DatabaseConfig{})
				if err != nil {
					return err
				}
				count, err := db.KeyCount(nil)
				if err != nil {
					return err
				}
				fmt.Printf("  db %5d: %d keys\n", name, count)
			}

			m := env.Metrics()
			fmt.Printf("pages fetched: %d, cache hits: %d, misses: %d\n",
				m.PagesFetched, m.CacheHits, m.CacheMisses)
			return nil
		},
	}
}

func demoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "demo",
		Short: "Run a short tour of the tabular surface",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := os.MkdirTemp("", "hamdb-demo-*")
			if err != nil {
				return err
			}
			defer os.RemoveAll(dir)

			env, err := engine.Create(engine.Config{
				Path:   dir + "/demo.db",
				Logger: logger(),
			})
			if err != nil {
				return err
			}
			defer env.Close()

			ns, err := table.OpenNamespace(env)
			if err != nil {
				return err
			}
			t, err := ns.CreateTable("events", []byte(`{"families":["meta"]}`))
			if err != nil {
				return err
			}

			mutator := t.CreateMutator()
			for i := 0; i < 5; i++ {
				row := table.NewKey()
				err := mutator.Set(table.Cell{
					Row:             row,
					ColumnFamily:    "meta",
					ColumnQualifier: "seq",
					Value:           []byte(fmt.Sprintf("event-%d", i)),
				})
				if err != nil {
					return err
				}
			}
			if err := mutator.Flush(); err != nil {
				return err
			}

			scanner, err := t.CreateScanner(table.ScanSpec{})
			if err != nil {
				return err
			}
			defer scanner.Close()

			fmt.Println("scanned cells:")
			for scanner.Next() {
				cell := scanner.Cell()
				fmt.Printf("  %s %s:%s = %q\n",
					cell.Row, cell.ColumnFamily, cell.ColumnQualifier, cell.Value)
			}
			return scanner.Err()
		},
	}
}

func benchCmd() *cobra.Command {
	var (
		duration time.Duration
		numKeys  int
		workload string
		dist     string
	)
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Run a workload against a scratch database",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := os.MkdirTemp("", "hamdb-bench-*")
			if err != nil {
				return err
			}
			defer os.RemoveAll(dir)

			env, err := engine.Create(engine.Config{
				Path:      dir + "/bench.db",
				CacheSize: 64 * 1024 * 1024,
				Logger:    logger(),
			})
			if err != nil {
				return err
			}
			defer env.Close()

			db, err := env.CreateDatabase(1, engine.DatabaseConfig{})
			if err != nil {
				return err
			}

			result, err := benchmark.Run(db, benchmark.Config{
				Name:            "hamdb",
				WorkloadType:    benchmark.WorkloadType(workload),
				KeyDistribution: benchmark.KeyDistribution(dist),
				NumKeys:         numKeys,
				KeySize:         16,
				ValueSize:       100,
				Duration:        duration,
				PreloadKeys:     numKeys / 10,
				Seed:            42,
			})
			if err != nil {
				return err
			}
			fmt.Print(result.Report())
			return nil
		},
	}
	cmd.Flags().DurationVar(&duration, "duration", 5*time.Second, "benchmark duration")
	cmd.Flags().IntVar(&numKeys, "keys", 100000, "number of unique keys")
	cmd.Flags().StringVar(&workload, "workload", string(benchmark.WorkloadBalanced), "workload type")
	cmd.Flags().StringVar(&dist, "distribution", string(benchmark.DistUniform), "key distribution")
	return cmd
}
