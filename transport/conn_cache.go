package transport

import (
	"sync"
	"sync/atomic"

	"github.com/perch-labs/perch/cluster"
	log "github.com/perch-labs/perch/logger"
	"github.com/perch-labs/perch/version"
)

// ConnectionCache caches a fixed size pool of connections to a particular node. Connections are created
// lazily, so a node that is never talked to costs nothing, and each creation pays the handshake exactly once.
type ConnectionCache struct {
	lock        sync.RWMutex
	node        *cluster.Node
	connFactory ConnectionFactory
	connections []*connectionWrapper
	pos         int64
}

func NewConnectionCache(node *cluster.Node, maxConnections int, connFactory ConnectionFactory) *ConnectionCache {
	return &ConnectionCache{
		node:        node,
		connections: make([]*connectionWrapper, maxConnections),
		connFactory: connFactory,
	}
}

func (cc *ConnectionCache) GetConnection() (Connection, error) {
	cl, index := cc.getCachedConnection()
	if cl != nil {
		return cl, nil
	}
	return cc.createConnection(index)
}

func (cc *ConnectionCache) Close() {
	cc.lock.Lock()
	defer cc.lock.Unlock()
	for i, client := range cc.connections {
		if client != nil {
			if err := client.conn.Close(); err != nil {
				log.Warnf("failed to close connection: %v", err)
			}
		}
		cc.connections[i] = nil
	}
}

func (cc *ConnectionCache) NumConnections() int {
	cc.lock.RLock()
	defer cc.lock.RUnlock()
	num := 0
	for _, client := range cc.connections {
		if client != nil {
			num++
		}
	}
	return num
}

func (cc *ConnectionCache) getCachedConnection() (*connectionWrapper, int) {
	cc.lock.RLock()
	defer cc.lock.RUnlock()
	pos := atomic.AddInt64(&cc.pos, 1) - 1
	index := int(pos) % len(cc.connections)
	return cc.connections[index], index
}

func (cc *ConnectionCache) createConnection(index int) (*connectionWrapper, error) {
	cc.lock.Lock()
	defer cc.lock.Unlock()
	cl := cc.connections[index]
	if cl != nil {
		return cl, nil
	}
	conn, err := cc.connFactory(cc.node)
	if err != nil {
		return nil, err
	}
	cl = &connectionWrapper{
		cc:    cc,
		index: index,
		conn:  conn,
	}
	cc.connections[index] = cl
	return cl, nil
}

func (cc *ConnectionCache) deleteConnection(index int) {
	cc.lock.Lock()
	defer cc.lock.Unlock()
	cc.connections[index] = nil
}

type connectionWrapper struct {
	cc    *ConnectionCache
	index int
	conn  Connection
}

func (c *connectionWrapper) SendOneway(action string, message []byte) error {
	return c.conn.SendOneway(action, message)
}

func (c *connectionWrapper) SendRPC(action string, request []byte) ([]byte, error) {
	return c.conn.SendRPC(action, request)
}

func (c *connectionWrapper) NegotiatedVersion() version.Version {
	return c.conn.NegotiatedVersion()
}

func (c *connectionWrapper) Close() error {
	c.cc.deleteConnection(c.index)
	return c.conn.Close()
}

// ConnCaches manages a ConnectionCache per remote node, keyed by the node's transport address.
type ConnCaches struct {
	maxConnectionsPerNode int
	connFactory           ConnectionFactory
	connCachesLock        sync.RWMutex
	connCaches            map[string]*ConnectionCache
}

func NewConnCaches(maxConnectionsPerNode int, connFactory ConnectionFactory) *ConnCaches {
	return &ConnCaches{
		maxConnectionsPerNode: maxConnectionsPerNode,
		connFactory:           connFactory,
		connCaches:            map[string]*ConnectionCache{},
	}
}

func (c *ConnCaches) GetConnection(node *cluster.Node) (Connection, error) {
	connCache, ok := c.getConnCache(node)
	if !ok {
		connCache = c.createConnCache(node)
	}
	return connCache.GetConnection()
}

func (c *ConnCaches) Close() {
	c.connCachesLock.Lock()
	defer c.connCachesLock.Unlock()
	for _, connCache := range c.connCaches {
		connCache.Close()
	}
	c.connCaches = make(map[string]*ConnectionCache)
}

func (c *ConnCaches) getConnCache(node *cluster.Node) (*ConnectionCache, bool) {
	c.connCachesLock.RLock()
	defer c.connCachesLock.RUnlock()
	connCache, ok := c.connCaches[node.Address]
	return connCache, ok
}

func (c *ConnCaches) createConnCache(node *cluster.Node) *ConnectionCache {
	c.connCachesLock.Lock()
	defer c.connCachesLock.Unlock()
	connCache, ok := c.connCaches[node.Address]
	if ok {
		return connCache
	}
	connCache = NewConnectionCache(node, c.maxConnectionsPerNode, c.connFactory)
	c.connCaches[node.Address] = connCache
	return connCache
}
