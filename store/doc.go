// Package store maps documents onto a DynamoDB-like key-value store.
//
// A [Model] is declared with a [Schema]: a hash key, an optional range key,
// typed attributes and secondary indexes. Each model owns a primary table
// named "<namespace>_<model>" and one table per index.
//
// # Indexes
//
// An index covers one or more hash attributes and optionally a numeric range
// attribute. Its table holds one record per distinct composite value, carrying
// the set of ids of the documents with that value:
//
//	{id: "<v1>.<v2>", range: <n>, ids: {"<doc id>", ...}}
//
// Index tables are maintained on Save, Update and Destroy. The write to the
// primary table happens first; index writes are not transactional with it.
// Queries drop ids whose document no longer exists.
//
// # Queries
//
// [Model.Where] starts a [Chain]. Conditions are attribute names optionally
// suffixed with a comparator:
//
//	docs, err := users.Where("name", "Josh").Where("age.gt", 30).All(ctx)
//
// The chain is served from the primary table when the conditions address the
// hash key, from an index whose attribute set matches the conditions exactly,
// and otherwise by scanning the primary table.
//
// # Partitioning
//
// With [Config.Partitioning] the stored hash key is "<hash>.<n>", spreading
// one hash value over [Config.PartitionCount] keys. Reads by full key stay
// single requests; hash-only queries fan out over every partition.
//
// # Errors
//
//   - [ErrNotFound] - no record with the key
//   - [ErrAlreadyExists] - a new record collides with a stored one
//   - [ErrConditionalCheckFailed] - an update condition did not hold
//   - [ErrConfiguration] - invalid schema, condition or chain setting
package store
