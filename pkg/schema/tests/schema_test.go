package tests

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pgflo/pg_ingest/pkg/schema"
	"github.com/pgflo/pg_ingest/pkg/utils"
)

func TestInferType(t *testing.T) {
	tests := []struct {
		name  string
		value interface{}
		want  string
	}{
		{"null", nil, schema.TypeVarchar},
		{"bool", true, schema.TypeBoolean},
		{"small json int", json.Number("42"), schema.TypeInteger},
		{"large json int", json.Number("3000000000"), schema.TypeBigint},
		{"huge json int", json.Number("99999999999999999999"), schema.TypeNumeric},
		{"json fraction", json.Number("1.5"), schema.TypeDecimal},
		{"json exponent", json.Number("1e3"), schema.TypeDecimal},
		{"int32", int32(7), schema.TypeInteger},
		{"int64 large", int64(1) << 40, schema.TypeBigint},
		{"float", 2.5, schema.TypeDecimal},
		{"short string", "abc", schema.TypeVarchar},
		{"long string", strings.Repeat("x", 256), schema.TypeText},
		{"boundary string", strings.Repeat("x", 255), schema.TypeVarchar},
		{"object", map[string]interface{}{"a": 1}, schema.TypeText},
		{"array", []interface{}{1, 2}, schema.TypeText},
		{"time", time.Now(), schema.TypeTimestamp},
		{"bytes", []byte("x"), schema.TypeBytea},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, schema.InferType(tt.value))
		})
	}
}

func TestDeclaredType(t *testing.T) {
	assert.Equal(t, "int4", schema.DeclaredType("int4"))
	assert.Equal(t, "int4[]", schema.DeclaredType("_int4"))
	assert.Equal(t, "numeric(10,2)", schema.DeclaredType("numeric(10,2)"))
	assert.Equal(t, "timestamp with time zone", schema.DeclaredType("timestamp with time zone"))
	assert.Equal(t, "", schema.DeclaredType("unknown"))
	assert.Equal(t, "", schema.DeclaredType("int; DROP TABLE x"))
}

func TestInferColumns(t *testing.T) {
	events := []*utils.ChangeEvent{
		{
			Type:        utils.OperationInsert,
			After:       map[string]interface{}{"id": json.Number("1"), "note": nil, "amount": json.Number("5")},
			ColumnTypes: map[string]string{"id": "int8"},
		},
		{
			Type:  utils.OperationInsert,
			After: map[string]interface{}{"id": json.Number("2"), "note": "hello", "amount": json.Number("5.25")},
		},
		{
			Type:  utils.OperationInsert,
			After: map[string]interface{}{"id": json.Number("3"), "note": strings.Repeat("n", 300), "amount": nil},
		},
	}

	cols := schema.InferColumns(events)
	byName := make(map[string]schema.Column)
	for _, c := range cols {
		byName[c.Name] = c
	}

	assert.Equal(t, "int8", byName["id"].Type)
	assert.Equal(t, schema.TypeDecimal, byName["amount"].Type)
	assert.Equal(t, schema.TypeText, byName["note"].Type)
	assert.Equal(t, 300, byName["note"].MaxLen)
}

func TestTargetTable(t *testing.T) {
	tn := schema.TargetTable("", "ods_", "Orders")
	assert.Equal(t, schema.TableName{Schema: "public", Name: "ods_orders"}, tn)
	assert.Equal(t, `"public"."ods_orders"`, tn.Sanitize())
}

func TestCreateTableStatements(t *testing.T) {
	tn := schema.TableName{Schema: "ods", Name: "ods_users"}
	stmts := schema.CreateTableStatements(tn, []schema.Column{
		{Name: "id", Type: schema.TypeInteger},
		{Name: "name", Type: schema.TypeVarchar},
	}, []string{"id"})

	require.Len(t, stmts, 4)
	create := stmts[0]
	assert.Contains(t, create, `CREATE TABLE IF NOT EXISTS "ods"."ods_users"`)
	assert.Contains(t, create, "ods_row_id BIGSERIAL PRIMARY KEY")
	assert.Contains(t, create, `"id" INTEGER`)
	assert.Contains(t, create, `"name" VARCHAR(255)`)
	assert.Contains(t, create, "data_source_task_id VARCHAR(64)")
	assert.Contains(t, create, "data_ingest_time TIMESTAMP DEFAULT CURRENT_TIMESTAMP")
	assert.Contains(t, create, "is_deleted INTEGER DEFAULT 0")
	assert.Contains(t, create, "delete_time TIMESTAMP")
	assert.Contains(t, stmts[1], `"idx_ods_users_task_id"`)
	assert.Contains(t, stmts[2], `"idx_ods_users_ingest_time"`)
	assert.Contains(t, stmts[3], `CREATE UNIQUE INDEX IF NOT EXISTS "uk_ods_users_source_key" ON "ods"."ods_users" ("id")`)

	noKey := schema.CreateTableStatements(tn, []schema.Column{{Name: "v", Type: schema.TypeText}}, nil)
	assert.Len(t, noKey, 3)
}

func TestIndexName(t *testing.T) {
	assert.Equal(t, "idx_ods_users_task_id", schema.IndexName("idx_", "ods_users", "_task_id"))

	long := "ods_" + strings.Repeat("customer_order_line_", 3)
	taskIdx := schema.IndexName("idx_", long, "_task_id")
	timeIdx := schema.IndexName("idx_", long, "_ingest_time")
	keyIdx := schema.IndexName("uk_", long, "_source_key")

	for _, name := range []string{taskIdx, timeIdx, keyIdx} {
		assert.LessOrEqual(t, len(name), 63, name)
	}
	assert.True(t, strings.HasSuffix(taskIdx, "_task_id"))
	assert.True(t, strings.HasSuffix(timeIdx, "_ingest_time"))
	assert.NotEqual(t, taskIdx, timeIdx)
	assert.Equal(t, taskIdx, schema.IndexName("idx_", long, "_task_id"), "names are stable")

	multibyte := schema.IndexName("idx_", strings.Repeat("é", 40), "_task_id")
	assert.LessOrEqual(t, len(multibyte), 63)
	assert.True(t, utf8.ValidString(multibyte))
}

func userInsert(row map[string]interface{}) *utils.ChangeEvent {
	return &utils.ChangeEvent{
		Type:  utils.OperationInsert,
		Table: "users",
		After: row,
		Key:   utils.ReplicationKey{Type: utils.ReplicationKeyPK, Columns: []string{"id"}},
	}
}

func TestManager_CreatesMissingTable(t *testing.T) {
	db := NewFakeDB()
	var hooked []string
	m := schema.NewManager(db, schema.WithDDLHook(func(op string, _ schema.TableName) {
		hooked = append(hooked, op)
	}))

	tn := schema.TableName{Schema: "public", Name: "ods_users"}
	info, change, err := m.EnsureTable(context.Background(), tn, []*utils.ChangeEvent{
		userInsert(map[string]interface{}{"id": json.Number("1"), "name": "a"}),
	})
	require.NoError(t, err)
	assert.True(t, change.Created)
	assert.Equal(t, []string{"create"}, hooked)
	assert.Equal(t, []string{"id"}, info.KeyColumns)
	assert.True(t, info.HasColumn("name"))
	assert.Len(t, db.ExecsContaining("CREATE TABLE"), 1)
	assert.Len(t, db.ExecsContaining("uk_ods_users_source_key"), 1)

	// cached: a second batch with the same columns issues no DDL
	before := len(db.Execs)
	_, change, err = m.EnsureTable(context.Background(), tn, []*utils.ChangeEvent{
		userInsert(map[string]interface{}{"id": json.Number("2"), "name": "b"}),
	})
	require.NoError(t, err)
	assert.False(t, change.Changed())
	assert.Equal(t, before, len(db.Execs))
}

func TestManager_EvolvesExistingTable(t *testing.T) {
	db := NewFakeDB()
	db.Tables["public.ods_users"] = [][]any{
		{"ods_row_id", "bigint", 0},
		{"id", "integer", 0},
		{"name", "character varying", 255},
		{"data_source_task_id", "character varying", 64},
	}
	m := schema.NewManager(db)

	tn := schema.TableName{Schema: "public", Name: "ods_users"}
	_, change, err := m.EnsureTable(context.Background(), tn, []*utils.ChangeEvent{
		userInsert(map[string]interface{}{
			"id":    json.Number("1"),
			"name":  strings.Repeat("x", 400),
			"email": "a@b",
		}),
	})
	require.NoError(t, err)
	assert.False(t, change.Created)
	assert.Equal(t, []string{"email"}, change.Added)
	assert.Equal(t, []string{"name"}, change.Widened)

	assert.Len(t, db.ExecsContaining(`ADD COLUMN IF NOT EXISTS "email" VARCHAR(255)`), 1)
	assert.Len(t, db.ExecsContaining(`ALTER COLUMN "name" TYPE TEXT`), 1)
	assert.Len(t, db.ExecsContaining("CREATE TABLE"), 0)
}

func TestManager_WidensNumericColumns(t *testing.T) {
	db := NewFakeDB()
	m := schema.NewManager(db)
	ctx := context.Background()
	tn := schema.TableName{Schema: "public", Name: "ods_payments"}

	batch := func(amount interface{}) schema.Change {
		t.Helper()
		_, change, err := m.EnsureTable(ctx, tn, []*utils.ChangeEvent{
			userInsert(map[string]interface{}{"id": json.Number("1"), "amount": amount}),
		})
		require.NoError(t, err)
		return change
	}

	change := batch(json.Number("5"))
	require.True(t, change.Created)
	assert.Len(t, db.ExecsContaining(`"amount" INTEGER`), 1)

	assert.False(t, batch(nil).Changed(), "a NULL never widens a column")
	assert.False(t, batch(json.Number("7")).Changed())

	change = batch(json.Number("3000000000"))
	assert.Equal(t, []string{"amount"}, change.Widened)
	assert.Len(t, db.ExecsContaining(`ALTER COLUMN "amount" TYPE BIGINT USING "amount"::BIGINT`), 1)

	assert.False(t, batch(json.Number("12")).Changed(), "smaller values fit the wider column")

	change = batch(json.Number("99999999999999999999"))
	assert.Equal(t, []string{"amount"}, change.Widened)
	assert.Len(t, db.ExecsContaining(`ALTER COLUMN "amount" TYPE NUMERIC USING "amount"::NUMERIC`), 1)

	change = batch("n/a")
	assert.Equal(t, []string{"amount"}, change.Widened)
	assert.Len(t, db.ExecsContaining(`ALTER COLUMN "amount" TYPE TEXT USING "amount"::TEXT`), 1)

	assert.False(t, batch(json.Number("1")).Changed(), "text holds numbers")
}

func TestManager_WidensDiscoveredIntegerColumn(t *testing.T) {
	db := NewFakeDB()
	db.Tables["public.ods_users"] = [][]any{
		{"ods_row_id", "bigint", 0},
		{"id", "integer", 0},
		{"age", "integer", 0},
		{"score", "numeric", 0},
	}
	m := schema.NewManager(db)

	tn := schema.TableName{Schema: "public", Name: "ods_users"}
	_, change, err := m.EnsureTable(context.Background(), tn, []*utils.ChangeEvent{
		userInsert(map[string]interface{}{
			"id":    json.Number("1"),
			"age":   int64(1) << 40,
			"score": json.Number("2.5"),
		}),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"age"}, change.Widened)
	assert.Len(t, db.ExecsContaining(`ALTER COLUMN "age" TYPE BIGINT`), 1)
	assert.Empty(t, db.ExecsContaining(`ALTER COLUMN "score"`))
}

func TestManager_DDLFailure(t *testing.T) {
	db := NewFakeDB()
	db.ExecErr = errors.New("permission denied")
	m := schema.NewManager(db)

	tn := schema.TableName{Schema: "public", Name: "ods_users"}
	_, _, err := m.EnsureTable(context.Background(), tn, []*utils.ChangeEvent{
		userInsert(map[string]interface{}{"id": json.Number("1")}),
	})
	var schemaErr *schema.Error
	require.ErrorAs(t, err, &schemaErr)
	assert.Equal(t, "create", schemaErr.Op)

	_, cached := m.Cached(tn)
	assert.False(t, cached)
}

func TestNormalizeEvent(t *testing.T) {
	ev := &utils.ChangeEvent{
		Type:  utils.OperationInsert,
		Table: "Users",
		After: map[string]interface{}{"UserID": 1, "name": "a"},
		Key:   utils.ReplicationKey{Type: utils.ReplicationKeyPK, Columns: []string{"UserID"}},
	}
	ev.EnsureColumns()
	schema.NormalizeEvent(ev)

	assert.Equal(t, "users", ev.Table)
	assert.Equal(t, 1, ev.After["userid"])
	assert.Equal(t, []string{"userid"}, ev.Key.Columns)
}
