package main

import (
	"context"
	"os"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/fenwick-labs/searchcore/internal/broker"
	"github.com/fenwick-labs/searchcore/internal/config"
	"github.com/fenwick-labs/searchcore/internal/pagerank"
)

type pagerankWorkerCmd struct {
	ClaimTimeoutSeconds int                  `long:"claim_timeout_seconds" default:"5" description:"Max time to block waiting for a task claim"`
	IdleSleepMillis     int                  `long:"idle_sleep_ms" default:"200" description:"Sleep interval while no phase is active"`
	Service             config.ServiceConfig `group:"Service"`
}

func (cmd pagerankWorkerCmd) Execute(_ []string) error {
	cmd.Service.Log.InitLog()

	var cli, err = broker.DialEtcd(cmd.Service.Broker)
	if err != nil {
		log.WithError(err).Error("pagerank-worker: connecting to broker")
		os.Exit(1)
	}
	defer cli.Close()

	var w = pagerank.Worker{
		Broker:       cli,
		ClaimTimeout: time.Duration(cmd.ClaimTimeoutSeconds) * time.Second,
		IdleSleep:    time.Duration(cmd.IdleSleepMillis) * time.Millisecond,
	}
	if err := w.Run(context.Background()); err != nil {
		log.WithError(err).Error("pagerank-worker: aborting")
		os.Exit(1)
	}
	return nil
}
