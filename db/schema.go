package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
)

// IDType selects the column type of generated identifiers.
type IDType string

const (
	// IDTypeUUID stores ids in the dialect's native UUID type.
	IDTypeUUID IDType = "uuid"
	// IDTypeChar stores ids as 36-character strings.
	IDTypeChar IDType = "char"
)

// Default table names.
const (
	DefaultAgentTable = "searchsync_agent"
	DefaultEventTable = "searchsync_outbox_event"
)

// Schema names the coordination tables and the knobs that shape their DDL.
type Schema struct {
	Catalog     string `yaml:"catalog"`
	Schema      string `yaml:"schema"`
	AgentTable  string `yaml:"agent_table"`
	EventTable  string `yaml:"event_table"`
	IDType      IDType `yaml:"id_type"`
	PayloadType string `yaml:"payload_type"`
}

// DefaultSchema returns the schema used when nothing is configured.
func DefaultSchema() Schema {
	return Schema{
		AgentTable: DefaultAgentTable,
		EventTable: DefaultEventTable,
		IDType:     IDTypeUUID,
	}
}

func (s Schema) withDefaults() Schema {
	if s.AgentTable == "" {
		s.AgentTable = DefaultAgentTable
	}
	if s.EventTable == "" {
		s.EventTable = DefaultEventTable
	}
	if s.IDType == "" {
		s.IDType = IDTypeUUID
	}
	return s
}

// Validate checks the schema knobs.
func (s Schema) Validate() error {
	switch s.withDefaults().IDType {
	case IDTypeUUID, IDTypeChar:
	default:
		return fmt.Errorf("db: unsupported id type %q", s.IDType)
	}
	return nil
}

// AgentTableName returns the quoted, qualified agent table name.
func (s Schema) AgentTableName() string {
	return s.qualify(s.withDefaults().AgentTable)
}

// EventTableName returns the quoted, qualified outbox event table name.
func (s Schema) EventTableName() string {
	return s.qualify(s.withDefaults().EventTable)
}

func (s Schema) qualify(table string) string {
	ident := pgx.Identifier{}
	if s.Catalog != "" {
		ident = append(ident, s.Catalog)
	}
	if s.Schema != "" {
		ident = append(ident, s.Schema)
	}
	return append(ident, table).Sanitize()
}

// Statements returns the DDL creating both tables and their indexes.
func (s Schema) Statements(d Dialect) []string {
	s = s.withDefaults()
	types := d.columnTypes()

	idType := types.uuid
	if s.IDType == IDTypeChar {
		idType = types.char36
	}
	payloadType := types.binary
	if s.PayloadType != "" {
		payloadType = s.PayloadType
	}

	agentTable := s.AgentTableName()
	eventTable := s.EventTableName()

	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    id %s NOT NULL PRIMARY KEY,
    type %s NOT NULL,
    name %s NOT NULL,
    state %s NOT NULL,
    expiration %s NOT NULL,
    total_shard_count %s,
    assigned_shard_index %s,
    cluster_members TEXT
)`, agentTable, idType, types.text, types.text, types.text, types.timestamp, types.integer, types.integer),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    id %s NOT NULL PRIMARY KEY,
    entity_name %s NOT NULL,
    entity_id %s NOT NULL,
    entity_id_hash %s NOT NULL,
    payload %s NOT NULL,
    retries %s NOT NULL DEFAULT 0,
    process_after %s NOT NULL,
    status %s NOT NULL
)`, eventTable, idType, types.text, types.text, types.integer, payloadType, types.integer, types.timestamp, types.text),
	}

	for _, col := range []string{"entity_id_hash", "process_after", "status"} {
		stmts = append(stmts, s.indexStatement(d, col))
	}
	return stmts
}

// Script renders Statements as a single SQL script.
func (s Schema) Script(d Dialect) string {
	return strings.Join(s.Statements(d), ";\n\n") + ";\n"
}

func (s Schema) indexStatement(d Dialect, column string) string {
	s = s.withDefaults()
	name := s.EventTable + "_" + column + "_idx"
	if d.Name() == DriverSQLite && s.Schema != "" {
		// SQLite qualifies the index, never the indexed table.
		return fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)",
			pgx.Identifier{s.Schema, name}.Sanitize(), pgx.Identifier{s.EventTable}.Sanitize(), column)
	}
	return fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)",
		pgx.Identifier{name}.Sanitize(), s.EventTableName(), column)
}

// Migrate applies the schema statements in order. Statements are idempotent.
func Migrate(ctx context.Context, b TxBeginner, d Dialect, s Schema) error {
	if err := s.Validate(); err != nil {
		return err
	}
	return InTx(ctx, b, 0, func(tx *sql.Tx) error {
		for _, stmt := range s.Statements(d) {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("db: apply schema: %w", err)
			}
		}
		return nil
	})
}
