// Package all registers every warehouse backend with the storage factory.
package all

import (
	_ "github.com/vbyelov/turning-pages-etl/internal/storage/mssql"
	_ "github.com/vbyelov/turning-pages-etl/internal/storage/postgres"
	_ "github.com/vbyelov/turning-pages-etl/internal/storage/sqlite"
)
