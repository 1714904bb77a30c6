package objectmanager

import (
	"github.com/driftrun/driftcore/internal/plasma"
	"github.com/driftrun/driftcore/pkg/id"
)

// PlasmaStore adapts *plasma.Store to the LocalStore interface Manager
// needs, keeping plasma itself free of any dependency on the wire
// protocol types defined here.
type PlasmaStore struct {
	*plasma.Store
}

// Create passes the requested sizes through to plasma.Store.Create.
// Manager's first-chunk path calls it with zero sizes, since incoming
// chunk transfers don't know the final object size up front the way a
// local ray.put() does, and the buffer grows as chunks arrive.
func (p PlasmaStore) Create(objID id.ObjectID, dataSize, metadataSize int, owner id.Address) (ObjectHandle, error) {
	obj, err := p.Store.Create(objID, dataSize, metadataSize, owner)
	if err != nil {
		return nil, err
	}
	return obj, nil
}

var _ LocalStore = PlasmaStore{}
var _ ObjectHandle = (*plasma.Object)(nil)
