package peerdial

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/driftrun/driftcore/pkg/id"
)

func TestDialUnknownNodeErrors(t *testing.T) {
	reg := NewRegistry()
	dialer := ObjectDialer{Registry: reg}
	_, err := dialer.Dial(id.NewNodeID())
	require.Error(t, err)
}

func TestSetThenRemove(t *testing.T) {
	reg := NewRegistry()
	node := id.NewNodeID()
	reg.Set(node, "127.0.0.1:9000")

	_, err := reg.dial(node, "/objects")
	// No real listener at 127.0.0.1:9000 during a unit test, so the dial
	// itself fails, but it must fail on the connection, not on a missing
	// address.
	require.Error(t, err)
	require.Contains(t, err.Error(), "dialing")

	reg.Remove(node)
	_, err = reg.dial(node, "/objects")
	require.Contains(t, err.Error(), "no known address")
}
