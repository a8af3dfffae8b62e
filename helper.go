package tellerd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/bwmarrin/snowflake"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

// LocalHelper bootstraps a local Postgres database for development and
// integration tests: schema from testdata, plus the stock users and demo
// account every fresh installation ships with.
type LocalHelper struct {
	Conn *pgx.Conn
}

func NewLocalHelper(cfg *Config) (*LocalHelper, error) {
	conn, err := pgx.Connect(context.Background(), cfg.Database.ConnectionString)
	if err != nil {
		return nil, err
	}
	return &LocalHelper{
		Conn: conn,
	}, nil
}

func (lh *LocalHelper) InitDB() (func(), error) {
	initSQLpath := filepath.Join("testdata", "init_db.sql")
	bits, err := os.ReadFile(initSQLpath)
	if err != nil {
		return nil, err
	}
	if _, err = lh.Conn.Exec(context.Background(), string(bits)); err != nil {
		return nil, err
	}
	return lh.teardownDB(), err
}

// SeedDefaults installs the default back-office logins and a demo customer
// account, mirroring a branch's first-run state.
func (lh *LocalHelper) SeedDefaults(node *snowflake.Node) (snowflake.ID, error) {
	ctx := context.Background()
	users := [][4]interface{}{
		{"test", "123", RoleCustomer, true},
		{"teller", "123", RoleTeller, true},
		{"admin", "123", RoleAdmin, true},
	}
	for _, u := range users {
		if _, err := lh.Conn.Exec(ctx,
			`INSERT INTO users (username, credential, role, active)
			 VALUES ($1, $2, $3, $4)
			 ON CONFLICT (username) DO NOTHING;`,
			u[0], u[1], u[2], u[3],
		); err != nil {
			return 0, err
		}
	}

	demoID := node.Generate()
	_, err := lh.Conn.Exec(ctx,
		`INSERT INTO accounts (pub_id, owner_username, typ, balance)
		 VALUES ($1, $2, $3, $4);`,
		demoID, "test", AcctChequing, decimal.New(15000, 0),
	)
	return demoID, err
}

func (lh *LocalHelper) teardownDB() func() {
	return func() {
		defer lh.Conn.Close(context.Background())

		tearSQLpath := filepath.Join("testdata", "teardown_db.sql")
		bits, err := os.ReadFile(tearSQLpath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "DB cleanup read teardown sql: %s", err.Error())
			return
		}
		if _, err = lh.Conn.Exec(context.Background(), string(bits)); err != nil {
			fmt.Fprintf(os.Stderr, "DB cleanup exec teardown sql: %s", err.Error())
			return
		}
	}
}
