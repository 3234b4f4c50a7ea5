// Command searchcore runs the distributed offline compute core: the
// MapReduce indexer, the graph loader, and the bulk-synchronous PageRank
// engine. Each subcommand corresponds to one component of spec.md §2,
// following flowctl-go's one-binary-many-subcommands layout (main.go plus
// one cmd-*.go file per subcommand).
package main

import (
	"fmt"
	"os"

	flags "github.com/jessevdk/go-flags"
	log "github.com/sirupsen/logrus"
)

func main() {
	var parser = flags.NewParser(nil, flags.HelpFlag|flags.PassDoubleDash)

	addCmd(parser, "index-controller", "Plan mapper tasks and publish reducer partitions", `
Plans mapper tasks by byte offset over the input record stream and publishes
reducer partition tasks, per the selected phase (map, reduce, or all).
`, &indexControllerCmd{})

	addCmd(parser, "index-mapper", "Tokenize byte-range tasks into partitioned shuffle files", `
Claims byte-offset tasks, tokenizes the records in range, and writes sorted,
hash-partitioned shuffle files for the reducers to merge.
`, &indexMapperCmd{})

	addCmd(parser, "index-reducer", "Merge shuffle files and upsert the inverted index", `
Claims partition tasks, k-way merges their shuffle files, and upserts the
resulting rows into the inverted-index table.
`, &indexReducerCmd{})

	addCmd(parser, "graph-loader", "Load an edge list into broker graph state", `
Streams an edge list, builds the adjacency and out-degree maps, and seeds
broker state for the PageRank engine.
`, &graphLoaderCmd{})

	addCmd(parser, "pagerank-controller", "Drive bulk-synchronous PageRank rounds", `
Drives scatter/compute rounds to convergence, enforcing the phase barrier,
integrity checks, and the round-boundary rank-vector swap.
`, &pagerankControllerCmd{})

	addCmd(parser, "pagerank-worker", "Execute PageRank scatter/compute micro-batches", `
Executes SCATTER and COMPUTE phase handlers on node micro-batches until the
controller signals SHUTDOWN.
`, &pagerankWorkerCmd{})

	addCmd(parser, "exporter", "Persist the converged PageRank vector to the store", `
Bulk-reads the converged rank vector and upserts the pagerank table.
`, &exporterCmd{})

	addCmd(parser, "stats-writer", "Write per-document length and average length", `
Streams the input record stream, writing per-document length to the
metadata table and the corpus-wide average length to config.
`, &statsWriterCmd{})

	if _, err := parser.Parse(); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCodeFor(err))
	}
}

func addCmd(to *flags.Parser, a, b, c string, iface interface{}) *flags.Command {
	var cmd, err = to.AddCommand(a, b, c, iface)
	if err != nil {
		log.WithError(err).Fatal("failed to register subcommand")
	}
	return cmd
}

// exitCodeFor maps a fatal error to the process exit code contract of
// spec.md §6: 0 success, 1 abort/integrity-failure, 2 timeout.
func exitCodeFor(err error) int {
	if isTimeout(err) {
		return 2
	}
	return 1
}
