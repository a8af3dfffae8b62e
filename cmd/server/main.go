package main

import (
	"flag"
	"net/http"
	"os"
	"time"

	"github.com/corebank/tellerd"

	"github.com/bwmarrin/snowflake"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker/v2"
	"gopkg.in/yaml.v3"
)

func main() {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()

	var cfg tellerd.Config
	cfp := flag.String("config", "config.yml", "path to configuration file")
	flag.Parse()
	cfgfl, err := os.Open(*cfp)
	if err != nil {
		logger.Fatal().Err(err).Msg("error opening config file")
	}
	if err = yaml.NewDecoder(cfgfl).Decode(&cfg); err != nil {
		logger.Fatal().Err(err).Msg("error decoding config file")
	}

	var repo tellerd.Repository
	switch cfg.Database.Backend {
	case "sqlite":
		repo, err = tellerd.NewSQLiteEndpoint(cfg.Database.Path, &logger)
	default:
		repo, err = tellerd.NewPostgresEndpoint(cfg.Database.ConnectionString, &logger)
	}
	if err != nil {
		logger.Fatal().Err(err).Msg("error starting database")
	}

	threshold := tellerd.DefaultReviewThreshold
	if cfg.Risk.ReviewThreshold != "" {
		threshold = cfg.Risk.ReviewThreshold
	}
	limit, err := decimal.NewFromString(threshold)
	if err != nil {
		logger.Fatal().
			Err(err).
			Str("threshold", threshold).
			Msg("error parsing review threshold")
	}

	nodeID := cfg.Server.NodeID
	if nodeID == 0 {
		nodeID = 1
	}
	node, err := snowflake.NewNode(nodeID)
	if err != nil {
		logger.Fatal().Err(err).Msg("error starting snowflake node")
	}

	svc, err := tellerd.NewService(repo, tellerd.NewClassifier(limit), node, &logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("error starting service")
	}

	var wrapped tellerd.Service = svc
	wrapped = tellerd.NewValidationMiddleware(repo)(wrapped)
	wrapped = tellerd.NewLimitMiddleware(tellerd.NewServiceLimits(64), 5*time.Second)(wrapped)
	wrapped = tellerd.NewCircuitBreakMiddleware(tellerd.NewServiceBreaker(gobreaker.Settings{}))(wrapped)

	hndlr := tellerd.NewHTTPHandler(wrapped, &logger)

	addr := cfg.Server.Addr
	if addr == "" {
		addr = ":3000"
	}
	logger.Info().Str("addr", addr).Msg("listening")
	if err = http.ListenAndServe(addr, hndlr); err != nil {
		logger.Fatal().Err(err).Msg("server stopped")
	}
}
