// Command recompute rescores a tenant's historical sessions day by day and
// writes one JSON assessment per line.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"traffic-prism/internal/factory"
	"traffic-prism/internal/util"
)

const dateOnly = "2006-01-02"

func main() {
	hostname := flag.String("hostname", "", "tenant hostname to recompute")
	from := flag.String("from", "", "first day to recompute, YYYY-MM-DD (default yesterday)")
	days := flag.Int("days", 1, "number of days to recompute")
	index := flag.String("index", "", "Elasticsearch index to store assessments in")
	flag.Parse()

	f, err := factory.NewFactory()
	if err != nil {
		util.Fatal("Failed to initialize factory", util.ErrorField(err))
	}
	defer f.Close()

	tenant := util.NormalizeHostname(*hostname)
	if tenant == "" || *days <= 0 {
		flag.Usage()
		util.Fatal("A hostname and a positive day count are required")
	}

	first := time.Now().UTC().Truncate(24*time.Hour).AddDate(0, 0, -1)
	if *from != "" {
		first, err = time.Parse(dateOnly, *from)
		if err != nil {
			util.Fatal("Invalid -from date", util.ErrorField(err))
		}
	}

	r := &recomputer{
		events: f.Events(),
		scorer: f.Risk(),
		out:    os.Stdout,
		logger: util.Named("recompute"),
	}
	if *index != "" {
		es := f.Elasticsearch()
		if es == nil {
			util.Fatal("-index requires ELASTICSEARCH_ENABLED")
		}
		r.indexer, r.index = es, *index
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	n, err := r.run(ctx, tenant, first, *days)
	if err != nil {
		util.Error("Recompute failed", util.ErrorField(err), util.Int("written", n))
		f.Close()
		os.Exit(1)
	}
	util.Info("Recompute finished", util.String("hostname", tenant), util.Int("assessments", n))
}
