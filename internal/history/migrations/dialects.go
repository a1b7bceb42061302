package migrations

import (
	"fmt"

	"github.com/icicle-ci/icicle/internal/history"
)

func NewPostgresDialectTemplate() *DialectTemplate {
	return &DialectTemplate{
		BigIntegerPrimaryKey: "BIGSERIAL PRIMARY KEY",
	}
}

func NewSqliteDialectTemplate() *DialectTemplate {
	return &DialectTemplate{
		// sqlite rowid aliases must be declared INTEGER, but the values
		// are 64-bit.
		BigIntegerPrimaryKey: "integer NOT NULL PRIMARY KEY AUTOINCREMENT",
	}
}

func GetDialectForDriver(driver history.DBDriver) (*DialectTemplate, error) {
	switch driver {
	case history.Sqlite:
		return NewSqliteDialectTemplate(), nil
	case history.Postgres:
		return NewPostgresDialectTemplate(), nil
	}

	return nil, fmt.Errorf("error unsupported database driver: %s", driver)
}
