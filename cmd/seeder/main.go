package main

import (
	"flag"
	"os"

	"github.com/corebank/tellerd"

	"github.com/bwmarrin/snowflake"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
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

	node, err := snowflake.NewNode(111)
	if err != nil {
		logger.Fatal().Err(err).Msg("error starting snowflake node")
	}

	if cfg.Database.Backend == "sqlite" {
		seedSQLite(&cfg, node, &logger)
		return
	}

	lh, err := tellerd.NewLocalHelper(&cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("error starting local helper")
	}
	if _, err = lh.InitDB(); err != nil {
		logger.Fatal().Err(err).Msg("error initializing database")
	}
	demoID, err := lh.SeedDefaults(node)
	if err != nil {
		logger.Fatal().Err(err).Msg("error seeding default data")
	}
	logger.Info().Str("demo_account", demoID.String()).Msg("database seeded")
}

// seedSQLite creates the single-file database; schema init happens when the
// endpoint opens it.
func seedSQLite(cfg *tellerd.Config, node *snowflake.Node, logger *zerolog.Logger) {
	endpt, err := tellerd.NewSQLiteEndpoint(cfg.Database.Path, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("error opening sqlite database")
	}
	defer endpt.Close()

	users := []struct {
		name string
		role tellerd.Role
	}{
		{"test", tellerd.RoleCustomer},
		{"teller", tellerd.RoleTeller},
		{"admin", tellerd.RoleAdmin},
	}
	for _, u := range users {
		if err := endpt.SaveUser(u.name, "123", u.role, true); err != nil {
			logger.Fatal().Err(err).Str("user", u.name).Msg("error seeding user")
		}
	}

	demoID := node.Generate()
	err = endpt.CreateAccount(tellerd.CreateAccountReq{
		AcctID:         demoID,
		Owner:          "test",
		Type:           tellerd.AcctChequing,
		OpeningBalance: decimal.New(15000, 0),
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("error seeding demo account")
	}
	logger.Info().Str("demo_account", demoID.String()).Msg("database seeded")
}
