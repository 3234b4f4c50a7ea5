package main

import (
	"context"
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/fenwick-labs/searchcore/internal/broker"
	"github.com/fenwick-labs/searchcore/internal/config"
	"github.com/fenwick-labs/searchcore/internal/indexing"
	"github.com/fenwick-labs/searchcore/internal/store"
)

type indexReducerCmd struct {
	Service config.ServiceConfig `group:"Service"`
}

func (cmd indexReducerCmd) Execute(_ []string) error {
	cmd.Service.Log.InitLog()
	var ctx = context.Background()

	var cli, err = broker.DialEtcd(cmd.Service.Broker)
	if err != nil {
		log.WithError(err).Error("index-reducer: connecting to broker")
		os.Exit(1)
	}
	defer cli.Close()

	driver, dsn := cmd.Service.Store.StoreDSN(cmd.Service.Data)
	var st, serr = store.Open(ctx, driver, dsn)
	if serr != nil {
		log.WithError(serr).Error("index-reducer: opening store")
		os.Exit(1)
	}
	defer st.Close()

	var rd = indexing.Reducer{
		Broker:     cli,
		Store:      st,
		ShuffleDir: cmd.Service.Data.ShuffleDir(),
	}
	if err := rd.Run(ctx); err != nil {
		log.WithError(err).Error("index-reducer: aborting")
		os.Exit(1)
	}
	return nil
}
