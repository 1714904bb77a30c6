package id

import "fmt"

// Address is the network location of a worker, used to reach an object's
// owner or an actor's current incarnation directly without a directory
// hop (spec.md Design Notes: "remote references are never raw; they are
// (id, owner_address) pairs").
type Address struct {
	NodeID   NodeID
	WorkerID WorkerID
	IP       string
	Port     int32
}

// IsNil reports whether the address refers to no worker.
func (a Address) IsNil() bool {
	return a.WorkerID.IsNil()
}

func (a Address) String() string {
	return fmt.Sprintf("%s:%d(worker=%s,node=%s)", a.IP, a.Port, a.WorkerID, a.NodeID)
}
