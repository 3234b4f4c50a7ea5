package main

import (
	"context"
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/fenwick-labs/searchcore/internal/analyzer"
	"github.com/fenwick-labs/searchcore/internal/broker"
	"github.com/fenwick-labs/searchcore/internal/config"
	"github.com/fenwick-labs/searchcore/internal/indexing"
)

type indexMapperCmd struct {
	Service config.ServiceConfig `group:"Service"`
}

func (cmd indexMapperCmd) Execute(_ []string) error {
	cmd.Service.Log.InitLog()

	var cli, err = broker.DialEtcd(cmd.Service.Broker)
	if err != nil {
		log.WithError(err).Error("index-mapper: connecting to broker")
		os.Exit(1)
	}
	defer cli.Close()

	var m = indexing.Mapper{
		Broker:     cli,
		Analyzer:   analyzer.New(),
		CorpusPath: cmd.Service.Data.CorpusPath(),
		ShuffleDir: cmd.Service.Data.ShuffleDir(),
	}
	if err := m.Run(context.Background()); err != nil {
		log.WithError(err).Error("index-mapper: aborting")
		os.Exit(1)
	}
	return nil
}
