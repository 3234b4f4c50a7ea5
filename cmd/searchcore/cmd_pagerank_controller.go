package main

import (
	"context"
	"fmt"
	"os"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/fenwick-labs/searchcore/internal/broker"
	"github.com/fenwick-labs/searchcore/internal/config"
	"github.com/fenwick-labs/searchcore/internal/pagerank"
)

type pagerankControllerCmd struct {
	PhaseTimeoutSeconds int                  `long:"phase_timeout_seconds" default:"120" description:"Max time to wait for worker phase-ack"`
	PollIntervalMillis  int                  `long:"poll_interval_ms" default:"200" description:"Phase-ack poll interval"`
	Service             config.ServiceConfig `group:"Service"`
}

func (cmd pagerankControllerCmd) Execute(_ []string) error {
	cmd.Service.Log.InitLog()

	var cli, err = broker.DialEtcd(cmd.Service.Broker)
	if err != nil {
		log.WithError(err).Error("pagerank-controller: connecting to broker")
		os.Exit(1)
	}
	defer cli.Close()

	var ctrl = pagerank.Controller{
		Broker:       cli,
		PhaseTimeout: time.Duration(cmd.PhaseTimeoutSeconds) * time.Second,
		PollInterval: time.Duration(cmd.PollIntervalMillis) * time.Millisecond,
	}
	result, rerr := ctrl.Run(context.Background())
	if rerr != nil {
		log.WithError(rerr).Error("pagerank-controller: aborting")
		os.Exit(exitCodeFor(rerr))
	}

	fmt.Printf("converged=%v rounds=%d final_diff=%g\n", result.Converged, result.Rounds, result.FinalDiff)
	return nil
}
