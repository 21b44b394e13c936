package id

import (
	"strings"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

func Generate() uuid.UUID {
	return uuid.New()
}

func IsValidUUID(id string) (uuid.UUID, error) {
	return uuid.Parse(id)
}

// Reference builds a sortable merchant reference like PAY-01J9Z3....
// Gateways echo it back, and lexical order follows creation time.
func Reference(prefix string) string {
	return strings.ToUpper(prefix) + "-" + ulid.Make().String()
}
