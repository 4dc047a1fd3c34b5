package sqlstore

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/asaidimu/go-recordbase/core"
	"github.com/asaidimu/go-recordbase/core/schema"
)

func checkIdentifier(kind, name string) error {
	if !schema.IsIdentifier(name) {
		return core.BadRequest("invalid %s name %q", kind, name)
	}
	return nil
}

// columnDefinition renders the DDL of one column. Field columns are always
// nullable: required is enforced by the validator so columns can be added to
// populated tables.
func (i *Interactor) columnDefinition(col schema.ColumnDescriptor) string {
	parts := []string{QuoteIdentifier(col.Name), i.dialect.ColumnType(col)}
	if col.PrimaryKey {
		parts = append(parts, "PRIMARY KEY")
	}
	if col.NotNull {
		parts = append(parts, "NOT NULL")
	}
	return strings.Join(parts, " ")
}

// CreateTableSQL generates the DDL statements that create a table and its
// secondary indexes, or the view of a view collection.
func (i *Interactor) CreateTableSQL(c *schema.Collection) ([]string, error) {
	table := i.tableName(c.Name)
	if err := checkIdentifier("table", table); err != nil {
		return nil, err
	}
	if c.IsView() {
		if err := schema.ValidateViewQuery(c.ViewQuery); err != nil {
			return nil, core.BadRequest("invalid view query: %v", err)
		}
		return []string{fmt.Sprintf("CREATE VIEW %s AS %s", QuoteIdentifier(table), strings.TrimSpace(c.ViewQuery))}, nil
	}

	columns := schema.Compile(c.Fields)
	defs := make([]string, 0, len(columns)+1)
	for _, col := range columns {
		if err := checkIdentifier("column", col.Name); err != nil {
			return nil, err
		}
		defs = append(defs, "    "+i.columnDefinition(col))
		if col.Name == schema.FieldUpdated {
			if extra := i.dialect.RowIDDefinition(); extra != "" {
				defs = append(defs, "    "+extra)
			}
		}
	}

	statements := []string{fmt.Sprintf("CREATE TABLE %s (\n%s\n)", QuoteIdentifier(table), strings.Join(defs, ",\n"))}
	for _, col := range columns {
		if stmt := i.CreateIndexSQL(table, col); stmt != "" {
			statements = append(statements, stmt)
		}
	}
	return statements, nil
}

// CreateIndexSQL generates the DDL for the secondary index of a column, or ""
// when the column needs none.
func (i *Interactor) CreateIndexSQL(table string, col schema.ColumnDescriptor) string {
	if !col.NeedsIndex() {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("CREATE ")
	if col.Unique {
		sb.WriteString("UNIQUE ")
	}
	sb.WriteString("INDEX IF NOT EXISTS ")
	sb.WriteString(QuoteIdentifier(schema.IndexName(table, col)))
	sb.WriteString(fmt.Sprintf(" ON %s (%s)", QuoteIdentifier(table), QuoteIdentifier(col.Name)))
	return sb.String()
}

func (i *Interactor) exec(ctx context.Context, statements ...string) error {
	for _, stmt := range statements {
		i.logger.Debug("Executing DDL", zap.String("sql", stmt))
		if _, err := i.runner().ExecContext(ctx, stmt); err != nil {
			i.logger.Error("Failed to execute DDL", zap.Error(err), zap.String("sql", stmt))
			return fmt.Errorf("failed to execute SQL statement '%s': %w", stmt, err)
		}
	}
	return nil
}

// CreateCollection creates the table and its indexes, or the view.
func (i *Interactor) CreateCollection(ctx context.Context, c *schema.Collection) error {
	statements, err := i.CreateTableSQL(c)
	if err != nil {
		return err
	}
	return i.exec(ctx, statements...)
}

// DropCollection drops the table or view if it exists.
func (i *Interactor) DropCollection(ctx context.Context, c *schema.Collection) error {
	table := i.tableName(c.Name)
	if err := checkIdentifier("table", table); err != nil {
		return err
	}
	kind := "TABLE"
	if c.IsView() {
		kind = "VIEW"
	}
	return i.exec(ctx, fmt.Sprintf("DROP %s IF EXISTS %s", kind, QuoteIdentifier(table)))
}

// ReplaceView drops and recreates the view of a view collection.
func (i *Interactor) ReplaceView(ctx context.Context, c *schema.Collection) error {
	if !c.IsView() {
		return core.BadRequest("collection %q is not a view", c.Name)
	}
	statements, err := i.CreateTableSQL(c)
	if err != nil {
		return err
	}
	drop := fmt.Sprintf("DROP VIEW IF EXISTS %s", QuoteIdentifier(i.tableName(c.Name)))
	return i.exec(ctx, append([]string{drop}, statements...)...)
}

// CollectionExists checks if a table or view exists for the collection name.
func (i *Interactor) CollectionExists(ctx context.Context, name string) (bool, error) {
	var n int
	err := i.runner().QueryRowContext(ctx, i.dialect.TableExistsSQL(), i.tableName(name)).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// AddColumn adds the column of f, and its index when the field needs one.
func (i *Interactor) AddColumn(ctx context.Context, c *schema.Collection, f *schema.FieldSchema) error {
	table := i.tableName(c.Name)
	if err := checkIdentifier("table", table); err != nil {
		return err
	}
	if err := checkIdentifier("column", f.Name); err != nil {
		return err
	}
	col := schema.CompileField(f)
	statements := []string{fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s", QuoteIdentifier(table), i.columnDefinition(col))}
	if stmt := i.CreateIndexSQL(table, col); stmt != "" {
		statements = append(statements, stmt)
	}
	return i.exec(ctx, statements...)
}

// DropColumn drops the indexes of f and then its column.
func (i *Interactor) DropColumn(ctx context.Context, c *schema.Collection, f *schema.FieldSchema) error {
	if err := i.DropIndex(ctx, c, f); err != nil {
		return err
	}
	table := i.tableName(c.Name)
	return i.exec(ctx, fmt.Sprintf("ALTER TABLE %s DROP COLUMN %s", QuoteIdentifier(table), QuoteIdentifier(f.Name)))
}

// CreateIndex creates the secondary index f needs, if any.
func (i *Interactor) CreateIndex(ctx context.Context, c *schema.Collection, f *schema.FieldSchema) error {
	table := i.tableName(c.Name)
	if err := checkIdentifier("table", table); err != nil {
		return err
	}
	if stmt := i.CreateIndexSQL(table, schema.CompileField(f)); stmt != "" {
		return i.exec(ctx, stmt)
	}
	return nil
}

// DropIndex drops both the plain and the unique index f may have.
func (i *Interactor) DropIndex(ctx context.Context, c *schema.Collection, f *schema.FieldSchema) error {
	table := i.tableName(c.Name)
	if err := checkIdentifier("table", table); err != nil {
		return err
	}
	if err := checkIdentifier("column", f.Name); err != nil {
		return err
	}
	col := schema.CompileField(f)
	col.Unique = false
	plain := schema.IndexName(table, col)
	col.Unique = true
	unique := schema.IndexName(table, col)
	return i.exec(ctx,
		"DROP INDEX IF EXISTS "+QuoteIdentifier(plain),
		"DROP INDEX IF EXISTS "+QuoteIdentifier(unique),
	)
}
