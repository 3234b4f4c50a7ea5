package main

import (
	"context"
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/fenwick-labs/searchcore/internal/broker"
	"github.com/fenwick-labs/searchcore/internal/config"
	"github.com/fenwick-labs/searchcore/internal/indexing"
)

type indexControllerCmd struct {
	Phase     string `long:"phase" choice:"map" choice:"reduce" choice:"all" default:"all" description:"Which queues to plan and publish"`
	ChunkSize int    `long:"chunk_size" default:"2000" description:"Mapper task line-count granularity"`
	Service   config.ServiceConfig `group:"Service"`
}

func (cmd indexControllerCmd) Execute(_ []string) error {
	cmd.Service.Log.InitLog()

	var cli, err = broker.DialEtcd(cmd.Service.Broker)
	if err != nil {
		log.WithError(err).Error("index-controller: connecting to broker")
		os.Exit(1)
	}
	defer cli.Close()

	var ctrl = indexing.Controller{Broker: cli, Chunk: cmd.ChunkSize}
	mapped, reduced, err := ctrl.Run(context.Background(), indexing.Phase(cmd.Phase), cmd.Service.Data.CorpusPath())
	if err != nil {
		log.WithError(err).Error("index-controller: aborting")
		os.Exit(1)
	}

	fmt.Printf("published %d mapper tasks, %d reducer tasks\n", mapped, reduced)
	return nil
}
