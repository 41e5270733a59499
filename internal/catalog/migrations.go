package catalog

import "github.com/usermicrodevices/prod/internal/platform/db"

// Migrations creates the catalog tables.
var Migrations = []db.Migration{
	{
		Version: "0001",
		Name:    "catalog",
		SQL: `CREATE TABLE IF NOT EXISTS companies (
    id      BIGSERIAL PRIMARY KEY,
    name    TEXT NOT NULL,
    extinfo JSONB
);
CREATE TABLE IF NOT EXISTS products (
    id         BIGSERIAL PRIMARY KEY,
    article    TEXT NOT NULL DEFAULT '',
    name       TEXT NOT NULL,
    unit       TEXT NOT NULL DEFAULT '',
    cost       NUMERIC(15,3) NOT NULL DEFAULT 0,
    price      NUMERIC(15,3) NOT NULL DEFAULT 0,
    currency   TEXT NOT NULL DEFAULT '',
    barcodes   TEXT[],
    extinfo    JSONB,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE UNIQUE INDEX IF NOT EXISTS products_article_key ON products (article) WHERE article <> '';`,
	},
}
