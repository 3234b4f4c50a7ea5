package main

import (
	"context"
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/fenwick-labs/searchcore/internal/broker"
	"github.com/fenwick-labs/searchcore/internal/config"
	"github.com/fenwick-labs/searchcore/internal/export"
	"github.com/fenwick-labs/searchcore/internal/store"
)

type exporterCmd struct {
	FlatFile string               `long:"flat_file" description:"Optional path to also write a JSON doc_id->score dump"`
	Service  config.ServiceConfig `group:"Service"`
}

func (cmd exporterCmd) Execute(_ []string) error {
	cmd.Service.Log.InitLog()
	var ctx = context.Background()

	var cli, err = broker.DialEtcd(cmd.Service.Broker)
	if err != nil {
		log.WithError(err).Error("exporter: connecting to broker")
		os.Exit(1)
	}
	defer cli.Close()

	driver, dsn := cmd.Service.Store.StoreDSN(cmd.Service.Data)
	var st, serr = store.Open(ctx, driver, dsn)
	if serr != nil {
		log.WithError(serr).Error("exporter: opening store")
		os.Exit(1)
	}
	defer st.Close()

	var ex = export.Exporter{Broker: cli, Store: st}
	n, rerr := ex.Run(ctx)
	if rerr != nil {
		log.WithError(rerr).Error("exporter: aborting")
		os.Exit(1)
	}

	if cmd.FlatFile != "" {
		if ferr := ex.WriteFlatFile(ctx, cmd.FlatFile); ferr != nil {
			log.WithError(ferr).Error("exporter: writing flat file")
			os.Exit(1)
		}
	}

	fmt.Printf("exported %d rows\n", n)
	return nil
}
