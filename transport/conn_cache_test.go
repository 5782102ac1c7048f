package transport

import (
	"sync/atomic"
	"testing"

	"github.com/perch-labs/perch/cluster"
	"github.com/perch-labs/perch/version"
	"github.com/stretchr/testify/require"
)

type fakeConnection struct {
	node   *cluster.Node
	closed atomic.Bool
}

func (f *fakeConnection) SendRPC(string, []byte) ([]byte, error) {
	return nil, nil
}

func (f *fakeConnection) SendOneway(string, []byte) error {
	return nil
}

func (f *fakeConnection) NegotiatedVersion() version.Version {
	return version.Current
}

func (f *fakeConnection) Close() error {
	f.closed.Store(true)
	return nil
}

type countingFactory struct {
	created int64
}

func (c *countingFactory) create(node *cluster.Node) (Connection, error) {
	atomic.AddInt64(&c.created, 1)
	return &fakeConnection{node: node}, nil
}

func TestConnectionCacheCreatesUpToMax(t *testing.T) {
	factory := &countingFactory{}
	node := cluster.NewNode("localhost:7370")
	maxConnections := 4
	cache := NewConnectionCache(node, maxConnections, factory.create)
	numGets := 100
	for i := 0; i < numGets; i++ {
		conn, err := cache.GetConnection()
		require.NoError(t, err)
		require.NotNil(t, conn)
	}
	require.Equal(t, int64(maxConnections), atomic.LoadInt64(&factory.created))
	require.Equal(t, maxConnections, cache.NumConnections())
}

func TestConnectionCacheCloseRemovesConnection(t *testing.T) {
	factory := &countingFactory{}
	node := cluster.NewNode("localhost:7370")
	cache := NewConnectionCache(node, 1, factory.create)
	conn, err := cache.GetConnection()
	require.NoError(t, err)
	require.Equal(t, 1, cache.NumConnections())

	require.NoError(t, conn.Close())
	require.Equal(t, 0, cache.NumConnections())

	// a subsequent get creates a fresh connection
	_, err = cache.GetConnection()
	require.NoError(t, err)
	require.Equal(t, int64(2), atomic.LoadInt64(&factory.created))
}

func TestConnectionCacheClose(t *testing.T) {
	factory := &countingFactory{}
	node := cluster.NewNode("localhost:7370")
	cache := NewConnectionCache(node, 3, factory.create)
	for i := 0; i < 3; i++ {
		_, err := cache.GetConnection()
		require.NoError(t, err)
	}
	require.Equal(t, 3, cache.NumConnections())
	cache.Close()
	require.Equal(t, 0, cache.NumConnections())
}

func TestConnCachesPerNode(t *testing.T) {
	factory := &countingFactory{}
	caches := NewConnCaches(2, factory.create)
	node1 := cluster.NewNode("localhost:7370")
	node2 := cluster.NewNode("localhost:7371")

	conn1, err := caches.GetConnection(node1)
	require.NoError(t, err)
	conn2, err := caches.GetConnection(node2)
	require.NoError(t, err)
	require.NotNil(t, conn1)
	require.NotNil(t, conn2)
	require.Equal(t, int64(2), atomic.LoadInt64(&factory.created))

	caches.Close()
}
