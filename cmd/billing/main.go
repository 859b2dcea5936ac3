/*
main.go - Application entry point

PURPOSE:
  Command-line entry for the clinic billing engine. Subcommands:
    serve        Run the HTTP API (and the background reconciliation sweep)
    close-month  Summarize or close a month from a JSON export of sessions
    migrate      Apply the PostgreSQL schema
    reconcile    Reconcile every invoice of a month

CONFIGURATION:
  Environment variables (optionally from .env), overridden by flags:
    BILLING_PORT, BILLING_STORE, BILLING_SQLITE_PATH, BILLING_PGSQL_URL,
    BILLING_CORS_ORIGINS, LOG_LEVEL, LOG_FORMAT, LOG_OUTPUT

EXAMPLES:
  # API on a SQLite file
  billing serve --store sqlite --sqlite-path ./data/billing.db

  # Preview then close March 2025
  billing close-month --year 2025 --month 3 --input march.json --dry-run
  billing close-month --year 2025 --month 3 --input march.json --closed-by admin

SEE ALSO:
  - config/config.go: Configuration keys
  - api/server.go: Router configuration
*/
package main

func main() {
	Execute()
}
