package mesh

import (
	"strings"

	"github.com/ryandielhenn/robomesh/pkg/ring"
)

// PriorityOf is the default election priority for id: the 32-bit FNV-1a hash
// of the id, the same hash the assignment ring uses. Every robot computes the
// same value for a given id without coordination.
func PriorityOf(id RobotID) uint64 {
	return uint64(ring.FNV32a([]byte(id)))
}

// outranks orders robots by priority, then by id, so that two robots never
// compare equal.
func outranks(aPrio uint64, a RobotID, bPrio uint64, b RobotID) bool {
	if aPrio != bPrio {
		return aPrio > bPrio
	}
	return strings.Compare(string(a), string(b)) > 0
}
