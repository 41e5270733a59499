package ledger

import "github.com/usermicrodevices/prod/internal/platform/db"

// Migrations creates the ledger schema. Catalog migrations must run first.
var Migrations = []db.Migration{
	{
		Version: "0002",
		Name:    "ledger",
		SQL: `CREATE TABLE IF NOT EXISTS ledger_doc_types (
    id            BIGSERIAL PRIMARY KEY,
    alias         TEXT NOT NULL UNIQUE,
    name          TEXT NOT NULL,
    income        BOOLEAN NOT NULL DEFAULT TRUE,
    auto_register BOOLEAN NOT NULL DEFAULT TRUE,
    description   TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS ledger_documents (
    id            BIGSERIAL PRIMARY KEY,
    created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    registered_at TIMESTAMPTZ NOT NULL,
    owner_id      BIGINT NOT NULL REFERENCES companies(id),
    contractor_id BIGINT NOT NULL REFERENCES companies(id),
    customer_id   BIGINT REFERENCES companies(id),
    type_id       BIGINT NOT NULL REFERENCES ledger_doc_types(id),
    author_id     BIGINT NOT NULL DEFAULT 0,
    sum_final     NUMERIC(15,3) NOT NULL DEFAULT 0,
    sum_explicit  BOOLEAN NOT NULL DEFAULT FALSE,
    extinfo       JSONB
);
CREATE INDEX IF NOT EXISTS ledger_documents_registered_idx ON ledger_documents (registered_at DESC, id DESC);
CREATE TABLE IF NOT EXISTS ledger_records (
    id          BIGSERIAL PRIMARY KEY,
    document_id BIGINT NOT NULL REFERENCES ledger_documents(id) ON DELETE CASCADE,
    product_id  BIGINT NOT NULL REFERENCES products(id),
    count       NUMERIC(15,3) NOT NULL DEFAULT 0,
    cost        NUMERIC(15,3) NOT NULL DEFAULT 0,
    price       NUMERIC(15,3) NOT NULL DEFAULT 0,
    currency    TEXT NOT NULL DEFAULT '',
    extinfo     JSONB
);
CREATE INDEX IF NOT EXISTS ledger_records_document_idx ON ledger_records (document_id);
CREATE INDEX IF NOT EXISTS ledger_records_product_idx ON ledger_records (product_id);
CREATE TABLE IF NOT EXISTS ledger_registers (
    id         BIGSERIAL PRIMARY KEY,
    record_id  BIGINT NOT NULL UNIQUE REFERENCES ledger_records(id) ON DELETE CASCADE,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);`,
	},
	{
		Version: "0003",
		Name:    "idempotency_and_audit",
		SQL: `CREATE TABLE IF NOT EXISTS idempotency_keys (
    key        TEXT PRIMARY KEY,
    module     TEXT NOT NULL,
    ref        TEXT,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE TABLE IF NOT EXISTS audit_logs (
    id          BIGSERIAL PRIMARY KEY,
    actor_id    BIGINT NOT NULL DEFAULT 0,
    action      TEXT NOT NULL,
    entity      TEXT NOT NULL,
    entity_id   TEXT NOT NULL,
    meta        JSONB,
    occurred_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);`,
	},
}
