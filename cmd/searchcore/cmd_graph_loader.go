package main

import (
	"context"
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/fenwick-labs/searchcore/internal/broker"
	"github.com/fenwick-labs/searchcore/internal/config"
	"github.com/fenwick-labs/searchcore/internal/graph"
)

type graphLoaderCmd struct {
	Service config.ServiceConfig `group:"Service"`
}

func (cmd graphLoaderCmd) Execute(_ []string) error {
	cmd.Service.Log.InitLog()

	var cli, err = broker.DialEtcd(cmd.Service.Broker)
	if err != nil {
		log.WithError(err).Error("graph-loader: connecting to broker")
		os.Exit(1)
	}
	defer cli.Close()

	var l = graph.Loader{Broker: cli}
	n, lerr := l.Load(context.Background(), cmd.Service.Data.EdgesPath())
	if lerr != nil {
		log.WithError(lerr).Error("graph-loader: aborting")
		os.Exit(1)
	}

	fmt.Printf("loaded %d nodes\n", n)
	return nil
}
