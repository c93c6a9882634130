package cli

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/coral-mesh/reqprof/internal/cli/helpers"
	"github.com/coral-mesh/reqprof/internal/config"
	"github.com/coral-mesh/reqprof/internal/store"
)

// recordReader is the read side of a sink.
type recordReader interface {
	List(ctx context.Context, opts store.ListOptions) ([]store.Document, error)
	Get(ctx context.Context, id store.RecordID) (*store.Document, error)
	Close() error
}

type recordsOptions struct {
	driver    string
	dsn       string
	file      string
	simpleURL string
	since     time.Duration
	limit     int

	listFormat string
	showFormat string
}

func newRecordsCmd(a *app) *cobra.Command {
	opts := &recordsOptions{}

	cmd := &cobra.Command{
		Use:   "records",
		Short: "Read stored profile records",
		Long: `Read profile records back from the duckdb or file store.

The store defaults to the first readable driver in the configuration; use
--driver, --dsn and --file to point somewhere else.`,
	}

	opts.RegisterFlags(cmd.PersistentFlags())

	cmd.AddCommand(newRecordsListCmd(a, opts))
	cmd.AddCommand(newRecordsShowCmd(a, opts))
	return cmd
}

// RegisterFlags adds the store selection flags shared by the records
// subcommands.
func (o *recordsOptions) RegisterFlags(flags *pflag.FlagSet) {
	flags.StringVar(&o.driver, "driver", "", "Store to read (duckdb, file)")
	flags.StringVar(&o.dsn, "dsn", "", "DuckDB database path (overrides config)")
	flags.StringVar(&o.file, "file", "", "JSON-lines file path (overrides config)")
}

func newRecordsListCmd(a *app, opts *recordsOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:         "list",
		Short:       "List stored records, newest first",
		Annotations: map[string]string{annotationSkipProfiling: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			format := helpers.OutputFormat(opts.listFormat)
			if err := helpers.ValidateFormat(opts.listFormat, listFormats); err != nil {
				return err
			}

			reader, err := openRecordReader(cmd.Context(), a, opts)
			if err != nil {
				return err
			}
			defer func() { _ = reader.Close() }()

			listOpts := store.ListOptions{SimpleURL: opts.simpleURL, Limit: opts.limit}
			if opts.since > 0 {
				listOpts.Since = time.Now().Add(-opts.since)
			}

			docs, err := reader.List(cmd.Context(), listOpts)
			if err != nil {
				return err
			}

			formatter, err := helpers.NewFormatter(format)
			if err != nil {
				return err
			}

			if format == helpers.FormatJSON || format == helpers.FormatYAML {
				return formatter.Format(docs, cmd.OutOrStdout())
			}
			if len(docs) == 0 {
				cmd.Println("No records found.")
				return nil
			}
			return formatter.Format(recordRows(docs, a.cfg.Location()), cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&opts.simpleURL, "url", "", "Only records with this aggregation URL")
	cmd.Flags().DurationVar(&opts.since, "since", 0, "Only records requested within this duration")
	helpers.AddLimitFlag(cmd, &opts.limit, 20)
	helpers.AddFormatFlag(cmd, &opts.listFormat, helpers.FormatTable, listFormats)

	return cmd
}

var listFormats = []helpers.OutputFormat{helpers.FormatTable, helpers.FormatCSV, helpers.FormatJSON, helpers.FormatYAML}

func newRecordsShowCmd(a *app, opts *recordsOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:         "show <id>",
		Short:       "Show one record with its profile",
		Args:        cobra.ExactArgs(1),
		Annotations: map[string]string{annotationSkipProfiling: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			reader, err := openRecordReader(cmd.Context(), a, opts)
			if err != nil {
				return err
			}
			defer func() { _ = reader.Close() }()

			doc, err := reader.Get(cmd.Context(), store.RecordID(args[0]))
			if err != nil {
				return err
			}

			formatter, err := helpers.NewFormatter(helpers.OutputFormat(opts.showFormat))
			if err != nil {
				return err
			}
			return formatter.Format(doc, cmd.OutOrStdout())
		},
	}

	helpers.AddFormatFlag(cmd, &opts.showFormat, helpers.FormatJSON, []helpers.OutputFormat{helpers.FormatJSON, helpers.FormatYAML})
	return cmd
}

// recordRow is one line of the records table.
type recordRow struct {
	ID        string `header:"ID"`
	Requested string `header:"REQUESTED"`
	Group     string `header:"GROUP"`
	URL       string `header:"URL"`
	Engine    string `header:"ENGINE"`
}

func recordRows(docs []store.Document, loc *time.Location) []recordRow {
	rows := make([]recordRow, 0, len(docs))
	for _, doc := range docs {
		engineName, _ := doc.Profile["engine"].(string)
		rows = append(rows, recordRow{
			ID:        string(doc.ID),
			Requested: time.UnixMilli(doc.Meta.RequestTimestampMillis).In(loc).Format(time.DateTime),
			Group:     helpers.Truncate(doc.Meta.SimpleURL, 40),
			URL:       helpers.Truncate(doc.Meta.URL, 60),
			Engine:    engineName,
		})
	}
	return rows
}

func openRecordReader(ctx context.Context, a *app, opts *recordsOptions) (recordReader, error) {
	driver := opts.driver
	if driver == "" {
		driver = defaultReadDriver(a.cfg.Store.Drivers, opts)
	}

	switch driver {
	case config.DriverDuckDB:
		dsn := a.cfg.Store.DSN
		if opts.dsn != "" {
			dsn = opts.dsn
		}
		return store.OpenDuckDB(ctx, dsn, a.cfg.Store.Table, a.cfg.Store.AppTag, a.cfg.Store.Timeout, a.logger)
	case config.DriverFile:
		path := a.cfg.Store.FilePath
		if opts.file != "" {
			path = opts.file
		}
		return fileReader{path: path}, nil
	case config.DriverUpload:
		return nil, errors.New("records uploaded to a collector cannot be read back; use --driver duckdb or file")
	default:
		return nil, fmt.Errorf("unknown driver %q", driver)
	}
}

// defaultReadDriver picks the store named by flags, else the first
// configured store that can be read.
func defaultReadDriver(drivers []string, opts *recordsOptions) string {
	switch {
	case opts.file != "":
		return config.DriverFile
	case opts.dsn != "":
		return config.DriverDuckDB
	}
	for _, d := range drivers {
		if d == config.DriverDuckDB || d == config.DriverFile {
			return d
		}
	}
	return config.DriverDuckDB
}

// fileReader reads a JSON-lines store.
type fileReader struct {
	path string
}

func (r fileReader) List(_ context.Context, opts store.ListOptions) ([]store.Document, error) {
	docs, err := store.ReadFile(r.path)
	if err != nil {
		return nil, err
	}

	filtered := docs[:0]
	for _, doc := range docs {
		if opts.SimpleURL != "" && doc.Meta.SimpleURL != opts.SimpleURL {
			continue
		}
		if !opts.Since.IsZero() && doc.Meta.RequestTimestampMillis < opts.Since.UnixMilli() {
			continue
		}
		filtered = append(filtered, doc)
	}

	slices.SortStableFunc(filtered, func(x, y store.Document) int {
		if c := cmp.Compare(y.Meta.RequestTimestampMillis, x.Meta.RequestTimestampMillis); c != 0 {
			return c
		}
		return y.CreatedAt.Compare(x.CreatedAt)
	})

	if opts.Limit > 0 && len(filtered) > opts.Limit {
		filtered = filtered[:opts.Limit]
	}
	return filtered, nil
}

func (r fileReader) Get(_ context.Context, id store.RecordID) (*store.Document, error) {
	docs, err := store.ReadFile(r.path)
	if err != nil {
		return nil, err
	}
	for i := range docs {
		if docs[i].ID == id {
			return &docs[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %s", store.ErrNotFound, id)
}

func (r fileReader) Close() error { return nil }

