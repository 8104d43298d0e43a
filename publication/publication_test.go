package publication

import (
	"testing"

	"github.com/snapflowio/pgcdc/catalog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateQuery(t *testing.T) {
	cfg := NewConfig(
		WithName("cdc_pub"),
		WithTables(Tables{
			NewTable("users", WithReplicaIdentity(ReplicaIdentityFull)),
			NewTable("Orders", WithSchema("sales")),
		}),
	)

	assert.Equal(t,
		`CREATE PUBLICATION "cdc_pub" FOR TABLE "public"."users", "sales"."Orders" WITH (publish = 'insert, update, delete')`,
		cfg.createQuery())

	cfg.Tables = nil
	cfg.Operations = Operations{OperationInsert}
	assert.Equal(t, `CREATE PUBLICATION "cdc_pub" WITH (publish = 'insert')`, cfg.createQuery())
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"existing publication needs only a name", Config{Name: "p"}, false},
		{"empty name", Config{Name: " "}, true},
		{"managed with defaults", NewConfig(WithName("p"), WithCreateIfNotExists(true)), false},
		{"unknown operation", Config{Name: "p", CreateIfNotExists: true, Operations: Operations{"MERGE"}}, true},
		{
			"index identity without index",
			Config{Name: "p", CreateIfNotExists: true, Operations: DefaultOperations, Tables: Tables{NewTable("t", WithReplicaIdentity(ReplicaIdentityIndex))}},
			true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestTablesDiff(t *testing.T) {
	wanted := Tables{
		NewTable("users", WithReplicaIdentity(ReplicaIdentityFull)),
		NewTable("orders"),
		NewTable("items", WithReplicaIdentity(ReplicaIdentityIndex), WithIndexName("items_sku_key")),
		NewTable("users", WithSchema("audit"), WithReplicaIdentity(ReplicaIdentityFull)),
	}
	current := Tables{
		{Schema: "public", Name: "users", ReplicaIdentity: ReplicaIdentityDefault},
		{Schema: "public", Name: "orders", ReplicaIdentity: ReplicaIdentityDefault},
		{Schema: "public", Name: "items", ReplicaIdentity: ReplicaIdentityIndex, IndexName: "items_pkey"},
		{Schema: "audit", Name: "users", ReplicaIdentity: ReplicaIdentityFull},
	}

	diff := wanted.Diff(current)
	assert.Equal(t, []catalog.TableID{
		{Schema: "public", Name: "users"},
		{Schema: "public", Name: "items"},
	}, diff.IDs())
}

func TestReplicaIdentityStatement(t *testing.T) {
	assert.Equal(t, `ALTER TABLE "public"."users" REPLICA IDENTITY FULL`,
		replicaIdentityStatement(NewTable("users", WithReplicaIdentity(ReplicaIdentityFull))))
	assert.Equal(t, `ALTER TABLE "public"."items" REPLICA IDENTITY USING INDEX "items_sku_key"`,
		replicaIdentityStatement(NewTable("items", WithReplicaIdentity(ReplicaIdentityIndex), WithIndexName("items_sku_key"))))
}

func TestInfoPublishes(t *testing.T) {
	users := catalog.TableID{Schema: "public", Name: "users"}
	orders := catalog.TableID{Schema: "public", Name: "orders"}

	info := &Info{Tables: Tables{FromTableID(users, ReplicaIdentityFull)}}
	assert.True(t, info.Publishes(users))
	assert.False(t, info.Publishes(orders))

	info.AllTables = true
	assert.True(t, info.Publishes(orders))
}

func TestOperationsString(t *testing.T) {
	assert.Equal(t, "insert, update, delete, truncate",
		Operations{OperationInsert, OperationUpdate, OperationDelete, OperationTruncate}.String())
	require.Error(t, Operations{}.Validate())
}
