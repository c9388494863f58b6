package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/nicktill/timeindex/pkg/config"
	"github.com/nicktill/timeindex/pkg/httpx"
	"github.com/nicktill/timeindex/pkg/index"
	"github.com/nicktill/timeindex/pkg/storage"
	"github.com/nicktill/timeindex/pkg/timetree"
)

var (
	indexName string
	fromFlag  string
	untilFlag string
	strategy  string
	tagFlag   string
	limitFlag int
)

var latestCmd = &cobra.Command{
	Use:   "latest",
	Short: "Print the newest bucket of an index with its links",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := loadConfig()
		if err != nil {
			return err
		}
		ix, store, err := openIndexer(cfg, log)
		if err != nil {
			return err
		}
		defer store.Close()

		bl, err := ix.LatestLinks(cmd.Context(), indexName, storage.Tag(tagFlag))
		if err != nil {
			return err
		}
		if bl == nil {
			return fmt.Errorf("index %q has no buckets", indexName)
		}
		return printJSON(cmd, bl)
	},
}

var queryCmd = &cobra.Command{
	Use:   "query",
	Short: "Print the links of an index within a time span",
	Long: `Print the links of an index within a time span. Times are RFC3339
or unix seconds. A --from later than --until lists newest first.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := loadConfig()
		if err != nil {
			return err
		}

		q, err := buildQuery(time.Now())
		if err != nil {
			return err
		}

		ix, store, err := openIndexer(cfg, log)
		if err != nil {
			return err
		}
		defer store.Close()

		links, err := ix.GetLinksForTimeSpan(cmd.Context(), q)
		if err != nil {
			return err
		}
		for _, link := range links {
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n",
				link.Timestamp.Format(time.RFC3339Nano), link.Target, link.Tag)
		}
		return nil
	},
}

// buildQuery turns the query flags into a SpanQuery. The span defaults to
// the hour before now.
func buildQuery(now time.Time) (index.SpanQuery, error) {
	until := now
	if untilFlag != "" {
		t, err := httpx.ParseTime(untilFlag)
		if err != nil {
			return index.SpanQuery{}, fmt.Errorf("--until: %w", err)
		}
		until = t
	}
	from := until.Add(-config.DefaultQueryWindow)
	if fromFlag != "" {
		t, err := httpx.ParseTime(fromFlag)
		if err != nil {
			return index.SpanQuery{}, fmt.Errorf("--from: %w", err)
		}
		from = t
	}

	s, err := timetree.ParseStrategy(strategy)
	if err != nil {
		return index.SpanQuery{}, err
	}
	if limitFlag < 0 {
		return index.SpanQuery{}, fmt.Errorf("%w: --limit must be >= 0", timetree.ErrRequest)
	}

	return index.SpanQuery{
		Index:    indexName,
		From:     from,
		Until:    until,
		Tag:      storage.Tag(tagFlag),
		Strategy: s,
		Limit:    limitFlag,
	}, nil
}

func init() {
	for _, cmd := range []*cobra.Command{latestCmd, queryCmd} {
		cmd.Flags().StringVarP(&indexName, "index", "i", "", "Index name")
		cmd.Flags().StringVarP(&tagFlag, "tag", "t", "", "Only links whose tag starts with this prefix")
		_ = cmd.MarkFlagRequired("index")
		rootCmd.AddCommand(cmd)
	}

	queryCmd.Flags().StringVar(&fromFlag, "from", "", "Span start (default: one hour before --until)")
	queryCmd.Flags().StringVar(&untilFlag, "until", "", "Span end (default: now)")
	queryCmd.Flags().StringVar(&strategy, "strategy", "bfs", "Traversal strategy: bfs or dfs")
	queryCmd.Flags().IntVar(&limitFlag, "limit", 0, "Maximum links to print (0 = all)")
}
