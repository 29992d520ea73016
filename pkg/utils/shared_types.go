package utils //nolint:revive // utils is a standard package name

// OperationType represents the type of database operation
type OperationType string

const (
	// OperationInsert represents an INSERT database operation
	OperationInsert OperationType = "INSERT"
	// OperationUpdate represents an UPDATE database operation
	OperationUpdate OperationType = "UPDATE"
	// OperationDelete represents a DELETE database operation
	OperationDelete OperationType = "DELETE"
	// OperationRead represents a row read during a snapshot or a bulk load
	OperationRead OperationType = "READ"
)

// AllOperations lists every operation a rule or route applies to by default
var AllOperations = []OperationType{OperationInsert, OperationUpdate, OperationDelete, OperationRead}

// IsUpsert reports whether the operation carries a full after-image that is written as an upsert
func (o OperationType) IsUpsert() bool {
	return o == OperationInsert || o == OperationUpdate || o == OperationRead
}

// ReplicationKeyType represents the type of replication key
type ReplicationKeyType string

const (
	// ReplicationKeyPK represents a primary key replication identifier
	ReplicationKeyPK ReplicationKeyType = "PRIMARY KEY"
	// ReplicationKeyUnique represents a unique constraint replication identifier
	ReplicationKeyUnique ReplicationKeyType = "UNIQUE"
	// ReplicationKeyFull represents a full table replication identifier (replica identity full)
	ReplicationKeyFull ReplicationKeyType = "FULL"
)

// ReplicationKey represents a key used for replication (either PK or unique constraint)
type ReplicationKey struct {
	Type    ReplicationKeyType `json:"type"`
	Columns []string           `json:"columns"`
}
