package db

import (
	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
)

// SQL builds Postgres statements with $n placeholders for pgx.
var SQL = goqu.Dialect("postgres")

// Select starts a prepared SELECT so values are passed as arguments rather
// than interpolated.
func Select(table string, cols ...interface{}) *goqu.SelectDataset {
	return SQL.From(table).Prepared(true).Select(cols...)
}
