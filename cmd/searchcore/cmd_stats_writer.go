package main

import (
	"context"
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/fenwick-labs/searchcore/internal/analyzer"
	"github.com/fenwick-labs/searchcore/internal/config"
	"github.com/fenwick-labs/searchcore/internal/stats"
	"github.com/fenwick-labs/searchcore/internal/store"
)

type statsWriterCmd struct {
	Service config.ServiceConfig `group:"Service"`
}

func (cmd statsWriterCmd) Execute(_ []string) error {
	cmd.Service.Log.InitLog()
	var ctx = context.Background()

	driver, dsn := cmd.Service.Store.StoreDSN(cmd.Service.Data)
	var st, serr = store.Open(ctx, driver, dsn)
	if serr != nil {
		log.WithError(serr).Error("stats-writer: opening store")
		os.Exit(1)
	}
	defer st.Close()

	var w = stats.Writer{
		Store:      st,
		Analyzer:   analyzer.New(),
		CorpusPath: cmd.Service.Data.CorpusPath(),
	}
	n, err := w.Run(ctx)
	if err != nil {
		log.WithError(err).Error("stats-writer: aborting")
		os.Exit(1)
	}

	fmt.Printf("wrote metadata for %d documents\n", n)
	return nil
}
