package neo4j

import (
	"fmt"

	"github.com/airweave-ai/sync-engine/labels"
)

// entityLabel is the node label every synced document carries.
const entityLabel = "Entity"

// constraintStatement guarantees one node per document identity.
func constraintStatement() string {
	return fmt.Sprintf(
		"CREATE CONSTRAINT entity_doc_id IF NOT EXISTS FOR (e:%s) REQUIRE e.doc_id IS UNIQUE",
		entityLabel)
}

// upsertStatement merges a batch of documents by doc_id. Re-syncing the
// same entity overwrites its properties in place.
func upsertStatement() string {
	return fmt.Sprintf(
		"UNWIND $rows AS row MERGE (e:%s {doc_id: row.doc_id}) SET e += row.props",
		entityLabel)
}

// relateStatement links chunks to their parents with IS_PARENT_OF, in
// one UNWIND batch. Both endpoints were merged by the upsert, so missing
// matches only occur for entities whose parent routes elsewhere.
func relateStatement() string {
	return fmt.Sprintf(
		"UNWIND $rows AS row "+
			"MATCH (p:%s {doc_id: row.parent_doc_id}) "+
			"MATCH (c:%s {doc_id: row.doc_id}) "+
			"MERGE (p)-[:IS_PARENT_OF]->(c)",
		entityLabel, entityLabel)
}

// deleteStatement removes the documents of the given entities within a
// sync, chunks included.
func deleteStatement() string {
	return fmt.Sprintf(
		"MATCH (e:%s) WHERE e.%s = $sync_id AND (e.%s IN $entity_ids OR e.%s IN $entity_ids) "+
			"DETACH DELETE e",
		entityLabel, labels.SyncID, labels.EntityID, labels.ParentEntityID)
}

// deleteByParentStatement removes a parent node and its children through
// the IS_PARENT_OF relationships, scoped to one sync.
func deleteByParentStatement() string {
	return fmt.Sprintf(
		"MATCH (p:%s) WHERE p.%s = $sync_id AND p.%s = $parent_id "+
			"OPTIONAL MATCH (p)-[:IS_PARENT_OF]->(c:%s) "+
			"DETACH DELETE p, c",
		entityLabel, labels.SyncID, labels.EntityID, entityLabel)
}

// deleteBySyncStatement removes every node the sync has written.
func deleteBySyncStatement() string {
	return fmt.Sprintf("MATCH (e:%s {%s: $sync_id}) DETACH DELETE e",
		entityLabel, labels.SyncID)
}
