package main

import (
	"bufio"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/k0kubun/pp/v3"

	"github.com/rowdiff/rowdiff/config"
	"github.com/rowdiff/rowdiff/database"
	_ "github.com/rowdiff/rowdiff/database/mssql"
	_ "github.com/rowdiff/rowdiff/database/mysql"
	_ "github.com/rowdiff/rowdiff/database/postgres"
	_ "github.com/rowdiff/rowdiff/database/sqlite3"
	"github.com/rowdiff/rowdiff/diffcore"
	"github.com/rowdiff/rowdiff/output"
	"github.com/rowdiff/rowdiff/telemetry"
	"github.com/rowdiff/rowdiff/util"
)

var version string

const (
	exitNoDiff       = 0
	exitDiffsFound   = 1
	exitUserError    = 2
	exitBackendError = 3
)

func parseOptions(args []string) (*config.Options, *config.File) {
	var opts struct {
		KeyColumns   []string `short:"k" long:"key-columns" description:"Name of the primary key column; repeatable for compound keys" value-name:"column"`
		UpdateColumn string   `short:"t" long:"update-column" description:"Name of the updated_at/last_updated column" value-name:"column"`
		Columns      []string `short:"c" long:"columns" description:"Extra column to compare; repeatable, supports % wildcards" value-name:"column"`
		Where        string   `short:"w" long:"where" description:"Additional WHERE predicate applied to both sides" value-name:"predicate"`
		MinAge       string   `long:"min-age" description:"Only compare rows older than this (e.g. 5min, 2d, 1mon)" value-name:"age"`
		MaxAge       string   `long:"max-age" description:"Only compare rows younger than this" value-name:"age"`

		Algorithm          string `short:"a" long:"algorithm" description:"Diffing algorithm" choice:"auto" choice:"hashdiff" choice:"joindiff" default:"auto"`
		BisectionFactor    int    `long:"bisection-factor" description:"Number of child segments per split" default:"32"`
		BisectionThreshold int64  `long:"bisection-threshold" description:"Row count below which a segment is fetched and compared locally" default:"16384"`

		Materialize         string `short:"m" long:"materialize" description:"Materialize the diff into this table (joindiff; %t expands to a timestamp)" value-name:"table"`
		AssumeUniqueKey     bool   `long:"assume-unique-key" description:"Skip the key-uniqueness check (joindiff)"`
		SampleExclusiveRows bool   `long:"sample-exclusive-rows" description:"Sample rows that exist on only one side instead of emitting all of them (joindiff)"`
		MaterializeAllRows  bool   `long:"materialize-all-rows" description:"Materialize without the --table-write-limit cap; rows equal on both sides are still not written (joindiff)"`
		TableWriteLimit     int64  `long:"table-write-limit" description:"Maximum rows to write per thread when materializing" default:"1000"`

		Stats       bool  `short:"s" long:"stats" description:"Print a summary at the end of the run"`
		JSON        bool  `long:"json" description:"Emit diff events as JSONL instead of human-readable lines"`
		Limit       int64 `short:"l" long:"limit" description:"Terminate after this many diff events" value-name:"count"`
		Verbose     bool  `short:"v" long:"verbose" description:"Info-level logging"`
		Debug       bool  `short:"d" long:"debug" description:"Debug-level logging, including emitted SQL"`
		Interactive bool  `short:"i" long:"interactive" description:"Print EXPLAIN for each query and ask for confirmation before running it"`

		Threads int `short:"j" long:"threads" description:"Worker threads per database" default:"1"`

		Conf string `long:"conf" description:"Path to a TOML configuration file" value-name:"file"`
		Run  string `long:"run" description:"Name of the [run.<name>] section to load from --conf" value-name:"name"`

		PasswordPrompt bool `long:"password-prompt" description:"Prompt for a database password, used wherever the URI omits one"`

		NoTracking bool `long:"no-tracking" description:"Disable anonymous usage reporting"`

		Help    bool `long:"help" description:"Show this help"`
		Version bool `long:"version" description:"Show this version"`
	}

	parser := flags.NewParser(&opts, flags.None)
	parser.Usage = "[option...] DB1_URI TABLE1 DB2_URI TABLE2"
	args, err := parser.ParseArgs(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitUserError)
	}

	if opts.Help {
		parser.WriteHelp(os.Stdout)
		os.Exit(0)
	}
	if opts.Version {
		fmt.Println(version)
		os.Exit(0)
	}
	if len(args) != 4 {
		fmt.Printf("Expected 4 positional arguments, got %d\n\n", len(args))
		parser.WriteHelp(os.Stdout)
		os.Exit(exitUserError)
	}

	options := &config.Options{
		DB1URI: args[0],
		Table1: args[1],
		DB2URI: args[2],
		Table2: args[3],

		KeyColumns:   opts.KeyColumns,
		UpdateColumn: opts.UpdateColumn,
		Columns:      opts.Columns,
		Where:        opts.Where,
		MinAge:       opts.MinAge,
		MaxAge:       opts.MaxAge,

		Algorithm:          opts.Algorithm,
		BisectionFactor:    opts.BisectionFactor,
		BisectionThreshold: opts.BisectionThreshold,

		Materialize:         opts.Materialize,
		AssumeUniqueKey:     opts.AssumeUniqueKey,
		SampleExclusiveRows: opts.SampleExclusiveRows,
		MaterializeAllRows:  opts.MaterializeAllRows,
		TableWriteLimit:     opts.TableWriteLimit,

		Stats:       opts.Stats,
		JSON:        opts.JSON,
		Limit:       opts.Limit,
		Verbose:     opts.Verbose,
		Debug:       opts.Debug,
		Interactive: opts.Interactive,

		Threads: opts.Threads,

		ConfFile: opts.Conf,
		RunName:  opts.Run,

		PasswordPrompt: opts.PasswordPrompt,

		NoTracking: opts.NoTracking,
	}

	var file *config.File
	if options.ConfFile != "" {
		loaded, err := config.Load(options.ConfFile)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(exitUserError)
		}
		file = loaded
		config.ApplyRunConfig(options, file.ResolveRun(options.RunName))
	}
	if len(options.KeyColumns) == 0 {
		options.KeyColumns = []string{"id"}
	}
	return options, file
}

// initLogging honors LOG_LEVEL via util.InitSlog, then lets -v/-d raise
// the level beyond it.
func initLogging(opts *config.Options) {
	util.InitSlog()
	if opts.Verbose || opts.Debug {
		level := slog.LevelInfo
		if opts.Debug {
			level = slog.LevelDebug
		}
		handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
		slog.SetDefault(slog.New(handler))
	}
}

// connectionConfig resolves one positional DBn_URI argument: the name of
// a [database.<name>] section from the loaded config file, or a
// connection URI.
func connectionConfig(file *config.File, arg string) (string, database.Config, error) {
	if file != nil {
		if db, ok := file.Database[arg]; ok {
			return database.NormalizeDriver(db.Driver), database.Config{
				DSN:      db.DSN,
				Host:     db.Host,
				Port:     db.Port,
				User:     db.User,
				Password: db.Password,
				Database: db.Database,
				Schema:   db.Schema,
			}, nil
		}
	}
	return database.ParseURI(arg)
}

func openSide(ctx context.Context, file *config.File, arg, password string, interactive bool) (database.Dialect, error) {
	driverName, cfg, err := connectionConfig(file, arg)
	if err != nil {
		return nil, err
	}
	if cfg.Password == "" {
		cfg.Password = password
	}
	dialect, err := database.Open(ctx, driverName, cfg)
	if err != nil {
		return nil, err
	}
	if interactive {
		dialect = &confirmingDialect{Dialect: dialect, in: bufio.NewReader(os.Stdin)}
	}
	return dialect, nil
}

func buildSegment(dialect database.Dialect, table string, opts *config.Options, now time.Time) (*diffcore.TableSegment, error) {
	seg := &diffcore.TableSegment{
		Path:            strings.Split(table, "."),
		KeyColumns:      opts.KeyColumns,
		UpdateColumn:    opts.UpdateColumn,
		ExtraColumns:    opts.Columns,
		WherePredicate:  opts.Where,
		AssumeUniqueKey: opts.AssumeUniqueKey,
		Dialect:         dialect,
	}
	if opts.MinAge != "" {
		age, err := config.ParseAge(opts.MinAge)
		if err != nil {
			return nil, err
		}
		cutoff := now.Add(-age)
		seg.MaxUpdate = &cutoff
	}
	if opts.MaxAge != "" {
		age, err := config.ParseAge(opts.MaxAge)
		if err != nil {
			return nil, err
		}
		cutoff := now.Add(-age)
		seg.MinUpdate = &cutoff
	}
	return seg, nil
}

// expandMaterializeName substitutes %t with a sortable UTC timestamp so
// repeated runs materialize into distinct tables.
func expandMaterializeName(name string, now time.Time) string {
	return strings.ReplaceAll(name, "%t", now.UTC().Format("20060102_150405"))
}

func main() {
	opts, file := parseOptions(os.Args[1:])
	initLogging(opts)
	os.Exit(run(opts, file))
}

func run(opts *config.Options, file *config.File) int {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	now := time.Now()
	reporter := telemetry.New(opts.NoTracking)

	var password string
	if opts.PasswordPrompt {
		var err error
		password, err = config.ReadPassword("Enter password: ")
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return exitUserError
		}
	}

	left, err := openSide(ctx, file, opts.DB1URI, password, opts.Interactive)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitUserError
	}
	defer left.Close()

	sameCredentials := opts.DB1URI == opts.DB2URI
	right := left
	if !sameCredentials {
		right, err = openSide(ctx, file, opts.DB2URI, password, opts.Interactive)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return exitUserError
		}
		defer right.Close()
	}

	sides := []database.Dialect{left}
	if !sameCredentials {
		sides = append(sides, right)
	}
	if _, err := database.ConcurrentMapFuncWithError(sides, len(sides), func(d database.Dialect) (struct{}, error) {
		return struct{}{}, d.Healthcheck(ctx)
	}); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitBackendError
	}

	leftSeg, err := buildSegment(left, opts.Table1, opts, now)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitUserError
	}
	rightSeg, err := buildSegment(right, opts.Table2, opts, now)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitUserError
	}

	engineCfg := diffcore.EngineConfig{
		Algorithm:       diffcore.Algorithm(opts.Algorithm),
		SameCredentials: sameCredentials,
		Limit:           opts.Limit,
		HashDiff: diffcore.HashDiffConfig{
			BisectionFactor:    opts.BisectionFactor,
			BisectionThreshold: opts.BisectionThreshold,
			ThreadsPerSide:     opts.Threads,
		},
		JoinDiff: diffcore.JoinDiffConfig{
			AssumeUniqueKey:     opts.AssumeUniqueKey,
			SampleExclusiveRows: opts.SampleExclusiveRows,
			SampleCap:           opts.TableWriteLimit,
			MaterializeName:     expandMaterializeName(opts.Materialize, now),
			MaterializeAllRows:  opts.MaterializeAllRows,
			TableWriteLimit:     opts.TableWriteLimit,
		},
		StreamCapacity: 256,
	}

	stream, err := diffcore.Run(ctx, leftSeg, rightSeg, engineCfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitCodeFor(err)
	}

	if opts.Debug {
		for name, typ := range util.CanonicalMapIter(leftSeg.Schema) {
			slog.Debug("resolved column", "side", "left", "column", name, "type", pp.Sprint(typ))
		}
	}

	formatName := "human"
	if opts.JSON {
		formatName = "json"
	}
	formatter, err := output.NewFormatter(formatName)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitUserError
	}

	if err := output.WriteStream(os.Stdout, formatter, stream); err != nil {
		stream.Cancel()
		fmt.Fprintln(os.Stderr, err)
		return exitBackendError
	}

	stats := stream.Stats()
	if opts.Stats {
		line, err := formatter.FormatStats(stats)
		if err == nil {
			fmt.Print(line)
			if opts.JSON {
				fmt.Println()
			}
		}
	}

	reporter.Report(ctx, telemetry.Event{
		Name:       "diff",
		Algorithm:  opts.Algorithm,
		DurationMS: stats.Elapsed.Milliseconds(),
		RowsDiffed: stats.RowsDifferent,
		Error:      stream.Err() != nil,
	})

	if err := stream.Err(); err != nil {
		if opts.Limit > 0 && stats.RowsDifferent >= opts.Limit {
			// Limit already satisfied; report success with a warning.
			slog.Warn("run terminated after reaching --limit", "error", err)
			return exitDiffsFound
		}
		fmt.Fprintln(os.Stderr, err)
		return exitCodeFor(err)
	}
	if stats.RowsDifferent > 0 {
		return exitDiffsFound
	}
	return exitNoDiff
}

func exitCodeFor(err error) int {
	var configErr *diffcore.ConfigError
	var schemaErr *diffcore.SchemaError
	if errors.As(err, &configErr) || errors.As(err, &schemaErr) {
		return exitUserError
	}
	return exitBackendError
}

// confirmingDialect wraps a Dialect for --interactive mode: every query
// is shown (with its EXPLAIN plan when the engine provides one) and must
// be confirmed on stdin before it runs.
type confirmingDialect struct {
	database.Dialect
	in *bufio.Reader
}

func (d *confirmingDialect) Query(ctx context.Context, query string, args ...any) (database.Rows, error) {
	if err := d.confirm(ctx, query); err != nil {
		return nil, err
	}
	return d.Dialect.Query(ctx, query, args...)
}

func (d *confirmingDialect) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	if err := d.confirm(ctx, query); err != nil {
		return nil, err
	}
	return d.Dialect.Exec(ctx, query, args...)
}

func (d *confirmingDialect) confirm(ctx context.Context, query string) error {
	fmt.Fprintf(os.Stderr, "--- query ---\n%s\n", query)
	if rows, err := d.Dialect.Query(ctx, "EXPLAIN "+query); err == nil {
		defer rows.Close()
		fmt.Fprintln(os.Stderr, "--- plan ---")
		for rows.Next() {
			var line any
			if rows.Scan(&line) == nil {
				fmt.Fprintln(os.Stderr, line)
			}
		}
	}
	fmt.Fprint(os.Stderr, "Run this query? [y/N] ")
	answer, err := d.in.ReadString('\n')
	if err != nil {
		return err
	}
	if a := strings.ToLower(strings.TrimSpace(answer)); a != "y" && a != "yes" {
		return fmt.Errorf("query declined by user")
	}
	return nil
}
