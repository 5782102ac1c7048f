package cluster

import (
	"fmt"

	"github.com/google/uuid"
)

// Node identifies a member of the cluster as seen by the transport layer. The id is ephemeral - a node gets a
// fresh one each time it starts.
type Node struct {
	ID      string
	Address string
}

func NewNode(address string) *Node {
	return &Node{
		ID:      uuid.New().String(),
		Address: address,
	}
}

func (n *Node) String() string {
	return fmt.Sprintf("{%s}{%s}", n.ID, n.Address)
}
