// Package config defines the flag and environment-variable groups shared by
// every searchcore subcommand, following the option-group convention the
// teacher repository uses for its own mbp.ServiceConfig.
package config

import (
	log "github.com/sirupsen/logrus"
)

// LogConfig controls process-wide logging, applied once by InitLog.
type LogConfig struct {
	Level  string `long:"log-level" env:"LOG_LEVEL" default:"info" description:"Logging level (trace,debug,info,warn,error)"`
	Format string `long:"log-format" env:"LOG_FORMAT" default:"text" description:"Logging format (text,json)"`
}

// InitLog applies the configured level and formatter to the standard logger.
func (c LogConfig) InitLog() {
	if lvl, err := log.ParseLevel(c.Level); err == nil {
		log.SetLevel(lvl)
	} else {
		log.WithField("level", c.Level).Warn("unrecognized log level, defaulting to info")
		log.SetLevel(log.InfoLevel)
	}
	if c.Format == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
}

// BrokerConfig locates the work-queue / atomic-state broker (spec.md §6).
type BrokerConfig struct {
	Host    string `long:"broker-host" env:"BROKER_HOST" default:"localhost:2379" description:"Broker (etcd) endpoint"`
	Prefix  string `long:"broker-prefix" env:"BROKER_PREFIX" default:"/searchcore" description:"Key prefix isolating this run's broker state"`
	Timeout int    `long:"broker-timeout-seconds" env:"BROKER_TIMEOUT_SECONDS" default:"10" description:"Per-call broker timeout"`
}

// StoreConfig locates the relational store (spec.md §6).
type StoreConfig struct {
	Driver string `long:"store-driver" env:"STORE_DRIVER" default:"sqlite3" choice:"sqlite3" description:"Relational store driver"`
	Host   string `long:"store-host" env:"STORE_HOST" default:"" description:"Store host (unused for sqlite3)"`
	User   string `long:"store-user" env:"STORE_USER" default:"" description:"Store user (unused for sqlite3)"`
	Pass   string `long:"store-pass" env:"STORE_PASS" default:"" description:"Store password (unused for sqlite3)"`
	DB     string `long:"store-db" env:"STORE_DB" default:"" description:"Store database path or DSN; defaults under DATA_DIR"`
}

// DataDirConfig locates the default input/output paths (spec.md §6).
type DataDirConfig struct {
	Dir string `long:"data-dir" env:"DATA_DIR" default:"./data" description:"Root directory for default input/output paths"`
}

// CorpusPath is the default location of the input record stream.
func (d DataDirConfig) CorpusPath() string {
	return d.Dir + "/intermediate/corpus.jsonl"
}

// EdgesPath is the default location of the edge list.
func (d DataDirConfig) EdgesPath() string {
	return d.Dir + "/edges.tsv"
}

// ShuffleDir is the default shuffle store directory (C2's TEMP/).
func (d DataDirConfig) ShuffleDir() string {
	return d.Dir + "/temp_shuffle"
}

// StoreDSN resolves the configured store into a database/sql driver name and DSN.
func (s StoreConfig) StoreDSN(dataDir DataDirConfig) (driver, dsn string) {
	if s.DB != "" {
		return s.Driver, s.DB
	}
	return s.Driver, dataDir.Dir + "/searchcore.db"
}

// ServiceConfig is embedded by every subcommand's option struct.
type ServiceConfig struct {
	Log    LogConfig     `group:"Logging"`
	Broker BrokerConfig  `group:"Broker"`
	Store  StoreConfig   `group:"Store"`
	Data   DataDirConfig `group:"Data"`
}
