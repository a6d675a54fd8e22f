package mongolink

import (
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
)

// indexName computes the default name for an index key document: the
// join of "<field>_<direction-or-type-string>" in insertion order,
// separated by underscores.
func indexName(key bson.D) string {
	parts := make([]string, 0, len(key))
	for _, e := range key {
		parts = append(parts, fmt.Sprintf("%s_%v", e.Key, e.Value))
	}
	return strings.Join(parts, "_")
}
