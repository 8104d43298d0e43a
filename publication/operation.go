package publication

import (
	"fmt"
	"slices"
	"strings"
)

type Operation string

const (
	OperationInsert   Operation = "INSERT"
	OperationUpdate   Operation = "UPDATE"
	OperationDelete   Operation = "DELETE"
	OperationTruncate Operation = "TRUNCATE"
)

var validOperations = []Operation{OperationInsert, OperationUpdate, OperationDelete, OperationTruncate}

type Operations []Operation

// DefaultOperations are the operations the change stream decodes.
var DefaultOperations = Operations{OperationInsert, OperationUpdate, OperationDelete}

func (ops Operations) Validate() error {
	if len(ops) == 0 {
		return fmt.Errorf("at least one publication operation is required")
	}

	for _, op := range ops {
		if !slices.Contains(validOperations, op) {
			return fmt.Errorf("undefined publication operation %q. valid operations are: %v", op, validOperations)
		}
	}
	return nil
}

// String renders the publish option value, e.g. "insert, update, delete".
func (ops Operations) String() string {
	parts := make([]string, len(ops))
	for i, op := range ops {
		parts[i] = strings.ToLower(string(op))
	}
	return strings.Join(parts, ", ")
}
