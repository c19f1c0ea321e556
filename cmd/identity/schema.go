package identity

import (
	_ "embed"
	"strings"
)

// Bootstrap DDL. Idempotent (IF NOT EXISTS); there is no versioning.
var (
	//go:embed schema/sqlite.sql
	sqliteSchema string

	//go:embed schema/postgres.sql
	postgresSchemaTemplate string
)

// postgresSchema renders the Postgres DDL with schema-qualified, quoted table names.
func postgresSchema(schema string) string {
	r := strings.NewReplacer(
		"{{identities}}", pgIdent(schema, "identities"),
		"{{local_credentials}}", pgIdent(schema, "local_credentials"),
		"{{provider_links}}", pgIdent(schema, "provider_links"),
		"{{secrets}}", pgIdent(schema, "secrets"),
	)
	return r.Replace(postgresSchemaTemplate)
}
