package transport

import (
	"crypto/tls"
	"encoding/binary"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/perch-labs/perch/cluster"
	"github.com/perch-labs/perch/common"
	"github.com/perch-labs/perch/conf"
	"github.com/perch-labs/perch/errwrap"
	log "github.com/perch-labs/perch/logger"
	"github.com/perch-labs/perch/sockserver"
	"github.com/perch-labs/perch/version"
	"github.com/perch-labs/perch/wire"
)

const (
	responseBuffInitialSize = 4 * 1024
	responseHeaderSize      = 17 // 4 bytes length, 4 bytes wire version, 8 bytes correlation id, 1 byte ok/error
	dialTimeout             = 5 * time.Second
	defaultWriteTimeout     = 5 * time.Second
)

/*
SocketTransportServer is the server end of the node-to-node transport. It reads framed requests off TCP
sockets and dispatches them to handlers registered by action name. The handshake action is wired in at
construction: inbound handshake requests are routed straight to the server's Handshaker rather than through
the handler map.

The request wire format (after the 4 byte big-endian length prefix the socket layer consumes) is:
 1. wire version id - 4 bytes, big endian
 2. correlation id - 8 bytes, big endian
 3. action name - length prefixed string
 4. the action specific request bytes

The response wire format is:
 1. message length - 4 bytes, big endian
 2. wire version id - 4 bytes, big endian (echo of the request's)
 3. correlation id - 8 bytes, big endian
 4. OK/error - 1 byte, 0 if OK, 1 if error response
 5. the action specific response bytes, or error code (4 bytes) and length prefixed error message
*/
type SocketTransportServer struct {
	lock         sync.RWMutex
	localVersion version.Version
	handlers     map[string]RequestHandler
	handshaker   *Handshaker
	socketServer *sockserver.SocketServer
	idSequence   int64
}

func NewSocketTransportServer(address string, tlsConf conf.TLSConfig, localVersion version.Version) *SocketTransportServer {
	server := &SocketTransportServer{
		localVersion: localVersion,
		handlers:     make(map[string]RequestHandler),
	}
	// the server side handshaker only ever receives - it has no sender and arms no timeouts
	server.handshaker = NewHandshaker(localVersion, NewClockScheduler(), nil)
	server.socketServer = sockserver.NewSocketServer(address, tlsConf, server.newConnection)
	return server
}

func (s *SocketTransportServer) Start() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if err := s.socketServer.Start(); err != nil {
		return err
	}
	log.Infof("started socket transport server on address %s", s.socketServer.Address())
	return nil
}

func (s *SocketTransportServer) Stop() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.socketServer.Stop()
}

func (s *SocketTransportServer) Address() string {
	return s.socketServer.Address()
}

// Handshaker returns the server side handshaker, e.g. for inspecting handshake metrics.
func (s *SocketTransportServer) Handshaker() *Handshaker {
	return s.handshaker
}

func (s *SocketTransportServer) RegisterHandler(action string, handler RequestHandler) bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	if action == HandshakeActionName {
		panic("the handshake action is dispatched internally and cannot be registered")
	}
	_, exists := s.handlers[action]
	if exists {
		return false
	}
	s.handlers[action] = handler
	return true
}

func (s *SocketTransportServer) getRequestHandler(action string) (RequestHandler, bool) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	handler, exists := s.handlers[action]
	return handler, exists
}

func (s *SocketTransportServer) newConnection(conn net.Conn) sockserver.ServerConnection {
	return &SocketTransportServerConn{
		s:    s,
		conn: conn,
		id:   int(atomic.AddInt64(&s.idSequence, 1)),
	}
}

type SocketTransportServerConn struct {
	id   int
	s    *SocketTransportServer
	conn net.Conn
}

func (c *SocketTransportServerConn) HandleMessage(buff []byte) error {
	if len(buff) < 16 {
		return errwrap.Errorf("request header truncated: %d bytes", len(buff))
	}
	wireVersionID := binary.BigEndian.Uint32(buff)
	correlationID := binary.BigEndian.Uint64(buff[4:])
	actionLen := int(binary.BigEndian.Uint32(buff[12:]))
	if len(buff) < 16+actionLen {
		return errwrap.Errorf("request action truncated: %d bytes", len(buff))
	}
	action := string(buff[16 : 16+actionLen])
	payload := buff[16+actionLen:]
	if action == HandshakeActionName {
		return c.handleHandshake(wireVersionID, correlationID, payload)
	}
	handler, ok := c.s.getRequestHandler(action)
	if !ok {
		return errwrap.Errorf("no handler found for action %s", action)
	}
	responseBuff := make([]byte, responseHeaderSize, responseBuffInitialSize)
	return handler(&ConnectionContext{ConnectionID: c.id}, payload, responseBuff, func(response []byte, err error) error {
		if err != nil {
			response = encodeErrorResponse(responseBuff, err)
		}
		binary.BigEndian.PutUint32(response, uint32(len(response)-4))
		binary.BigEndian.PutUint32(response[4:], wireVersionID)
		binary.BigEndian.PutUint64(response[8:], correlationID)
		if err != nil {
			response[16] = 1
		}
		_, werr := c.conn.Write(response)
		return werr
	})
}

func (c *SocketTransportServerConn) handleHandshake(wireVersionID uint32, correlationID uint64, payload []byte) error {
	in := wire.NewInput(payload, version.FromID(int32(wireVersionID)))
	replyChannel := &socketReplyChannel{
		conn:          c.conn,
		wireVersionID: wireVersionID,
		correlationID: correlationID,
	}
	if err := c.s.handshaker.HandleHandshake(replyChannel, correlationID, in); err != nil {
		// tell the peer, then fail the read loop so the connection is reset
		if werr := replyChannel.sendError(err); werr != nil {
			log.Debugf("failed to send handshake error response: %v", werr)
		}
		return err
	}
	return nil
}

// socketReplyChannel writes a handshake response frame back to the peer the request arrived from.
type socketReplyChannel struct {
	conn          net.Conn
	wireVersionID uint32
	correlationID uint64
}

func (r *socketReplyChannel) SendResponse(resp *HandshakeResponse) error {
	out := wire.NewOutput(4)
	resp.Write(out)
	return r.write(0, out.Bytes())
}

func (r *socketReplyChannel) sendError(err error) error {
	return r.write(1, encodeErrorResponse(nil, err))
}

func (r *socketReplyChannel) write(okByte byte, body []byte) error {
	buff := make([]byte, responseHeaderSize, responseHeaderSize+len(body))
	buff = append(buff, body...)
	binary.BigEndian.PutUint32(buff, uint32(len(buff)-4))
	binary.BigEndian.PutUint32(buff[4:], r.wireVersionID)
	binary.BigEndian.PutUint64(buff[8:], r.correlationID)
	buff[16] = okByte
	_, werr := r.conn.Write(buff)
	return werr
}

func encodeErrorResponse(buff []byte, err error) []byte {
	errCode := common.InternalError
	var perr common.PerchError
	if errwrap.As(err, &perr) {
		errCode = perr.Code
	}
	out := wire.NewOutput(16)
	out.WriteUint32(uint32(errCode))
	out.WriteString(err.Error())
	return append(buff, out.Bytes()...)
}

func decodeErrorResponse(in *wire.Input) error {
	errCode, err := in.ReadUint32()
	if err != nil {
		return common.NewPerchErrorf(common.ProtocolError, "failed to read error response: %v", err)
	}
	msg, err := in.ReadString()
	if err != nil {
		return common.NewPerchErrorf(common.ProtocolError, "failed to read error response: %v", err)
	}
	return common.NewPerchError(common.ErrCode(errCode), msg)
}

// Client

/*
SocketClient creates connections to other nodes. Every connection it hands out has completed the version
handshake: CreateConnection dials, starts the read loop, runs the handshake and only returns the connection
once a mutually acceptable wire version has been negotiated. All subsequent RPCs on the connection are framed
with that version.
*/
type SocketClient struct {
	localVersion     version.Version
	handshakeTimeout time.Duration
	handshaker       *Handshaker
	tlsConf          *tls.Config
}

func NewSocketClient(localVersion version.Version, tlsConf *conf.ClientTLSConfig, handshakeTimeout time.Duration) (*SocketClient, error) {
	var goTlsConf *tls.Config
	if tlsConf != nil {
		var err error
		goTlsConf, err = conf.CreateClientTLSConfig(*tlsConf)
		if err != nil {
			return nil, err
		}
	}
	client := &SocketClient{
		localVersion:     localVersion,
		handshakeTimeout: handshakeTimeout,
		tlsConf:          goTlsConf,
	}
	client.handshaker = NewHandshaker(localVersion, NewClockScheduler(), sendHandshakeRequest)
	return client, nil
}

// Handshaker returns the client side handshaker, e.g. for inspecting handshake metrics.
func (s *SocketClient) Handshaker() *Handshaker {
	return s.handshaker
}

func (s *SocketClient) CreateConnection(node *cluster.Node) (Connection, error) {
	var netConn net.Conn
	var tcpConn *net.TCPConn
	if s.tlsConf != nil {
		var err error
		netConn, err = tls.Dial("tcp", node.Address, s.tlsConf)
		if err != nil {
			return nil, convertNetworkError(err)
		}
		rawConn := netConn.(*tls.Conn).NetConn()
		tcpConn = rawConn.(*net.TCPConn)
	} else {
		d := net.Dialer{Timeout: dialTimeout}
		var err error
		netConn, err = d.Dial("tcp", node.Address)
		if err != nil {
			return nil, convertNetworkError(err)
		}
		tcpConn = netConn.(*net.TCPConn)
	}
	if err := tcpConn.SetNoDelay(true); err != nil {
		return nil, err
	}
	if err := tcpConn.SetKeepAlive(true); err != nil {
		return nil, err
	}
	sc := &SocketTransportConnection{
		localVersion:     s.localVersion,
		handshaker:       s.handshaker,
		conn:             netConn,
		responseChannels: map[uint64]chan responseHolder{},
		writeTimeout:     defaultWriteTimeout,
	}
	sc.start()
	if err := sc.handshake(node, s.handshakeTimeout); err != nil {
		if cerr := sc.Close(); cerr != nil {
			// Ignore
		}
		return nil, err
	}
	return sc, nil
}

type SocketTransportConnection struct {
	lock                  sync.Mutex
	localVersion          version.Version
	handshaker            *Handshaker
	correlationIDSequence uint64
	conn                  net.Conn
	closeWaitGroup        sync.WaitGroup
	responseChannels      map[uint64]chan responseHolder
	closeListeners        []func()
	closed                bool
	negotiated            version.Version
	handshaken            bool
	writeTimeout          time.Duration
}

type responseHolder struct {
	response []byte
	err      error
}

func (c *SocketTransportConnection) start() {
	c.closeWaitGroup.Add(1)
	go func() {
		defer c.readPanicHandler()
		defer c.closeWaitGroup.Done()
		err := sockserver.ReadMessage(c.conn, c.responseHandler)
		if err != nil {
			log.Errorf("failed to read response message: %v", err)
		} else {
			err = common.NewPerchError(common.ConnectionError, "connection closed")
		}
		c.connectionClosed(err)
	}()
}

func (c *SocketTransportConnection) readPanicHandler() {
	if r := recover(); r != nil {
		log.Errorf("failure in client connection readLoop: %v", r)
		c.connectionClosed(common.NewPerchErrorf(common.ConnectionError, "failure in read loop: %v", r))
	}
}

// connectionClosed propagates err to any waiting RPCs, fires close listeners exactly once and closes the
// underlying conn. Called whenever the read loop exits - on clean EOF too, as the handshaker relies on close
// notification to fail handshakes whose connection died before a response arrived.
func (c *SocketTransportConnection) connectionClosed(err error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	for _, ch := range c.responseChannels {
		ch <- responseHolder{err: err}
	}
	c.responseChannels = map[uint64]chan responseHolder{}
	if cerr := c.conn.Close(); cerr != nil {
		// Ignore
	}
	if !c.closed {
		c.closed = true
		for _, f := range c.closeListeners {
			f()
		}
		c.closeListeners = nil
	}
}

// AddCloseListener registers f to fire at most once when the connection closes for any reason. If it is
// already closed f fires on the calling goroutine.
func (c *SocketTransportConnection) AddCloseListener(f func()) {
	c.lock.Lock()
	if c.closed {
		c.lock.Unlock()
		f()
		return
	}
	c.closeListeners = append(c.closeListeners, f)
	c.lock.Unlock()
}

func (c *SocketTransportConnection) handshake(node *cluster.Node, timeout time.Duration) error {
	c.lock.Lock()
	requestID := c.correlationIDSequence
	c.correlationIDSequence++
	c.lock.Unlock()
	ch := make(chan handshakeResult, 1)
	c.handshaker.SendHandshake(requestID, node, c, timeout, func(v version.Version, err error) {
		ch <- handshakeResult{v: v, err: err}
	})
	res := <-ch
	if res.err != nil {
		return res.err
	}
	c.lock.Lock()
	c.negotiated = res.v
	c.handshaken = true
	c.lock.Unlock()
	log.Debugf("handshake with node %s negotiated version %s", node, res.v)
	return nil
}

type handshakeResult struct {
	v   version.Version
	err error
}

// sendHandshakeRequest is the HandshakeRequestSender of the socket transport. The frame header carries the
// advertised min compat version; the payload carries the sender's full version.
func sendHandshakeRequest(node *cluster.Node, channel Channel, requestID uint64, minCompatVersion version.Version) error {
	sc, ok := channel.(*SocketTransportConnection)
	if !ok {
		return errwrap.Errorf("unexpected channel type %T", channel)
	}
	out := wire.NewOutput(64)
	out.WriteUint32(uint32(minCompatVersion.ID))
	out.WriteUint64(requestID)
	out.WriteString(HandshakeActionName)
	req := &HandshakeRequest{Version: &sc.localVersion}
	req.Write(out)
	return sc.writeMessage(frameMessage(out.Bytes()))
}

func (c *SocketTransportConnection) responseHandler(buff []byte) error {
	if len(buff) < 13 {
		return errwrap.Errorf("response header truncated: %d bytes", len(buff))
	}
	wireVersionID := binary.BigEndian.Uint32(buff)
	correlationID := binary.BigEndian.Uint64(buff[4:])
	isError := buff[12] == 1
	payload := buff[13:]
	// handshake responses are pending on the handshaker, not on the response channel map - the removal also
	// elects this response as the handshake's completion if timeout or close are racing with it
	if handler := c.handshaker.RemoveHandler(correlationID); handler != nil {
		in := wire.NewInput(payload, version.FromID(int32(wireVersionID)))
		if isError {
			handler.HandleException(decodeErrorResponse(in))
		} else {
			handler.HandleResponse(in)
		}
		return nil
	}
	c.lock.Lock()
	defer c.lock.Unlock()
	ch, ok := c.responseChannels[correlationID]
	if !ok {
		return errwrap.Errorf("no client response handler found with id %d", correlationID)
	}
	delete(c.responseChannels, correlationID)
	if isError {
		ch <- responseHolder{err: decodeErrorResponse(wire.NewInput(payload, version.FromID(int32(wireVersionID))))}
	} else {
		// Must copy as connection reader re-uses the buffer
		ch <- responseHolder{response: common.ByteSliceCopy(payload)}
	}
	return nil
}

func (c *SocketTransportConnection) SendRPC(action string, request []byte) ([]byte, error) {
	buff, ch, err := c.createRequestAndRegisterResponseHandler(action, request)
	if err != nil {
		return nil, err
	}
	if err := c.writeMessage(buff); err != nil {
		return nil, err
	}
	holder := <-ch
	return holder.response, holder.err
}

func (c *SocketTransportConnection) SendOneway(action string, request []byte) error {
	c.lock.Lock()
	if err := c.checkUsable(); err != nil {
		c.lock.Unlock()
		return err
	}
	correlationID := c.correlationIDSequence
	c.correlationIDSequence++
	buff := c.formatRequest(action, correlationID, request)
	c.lock.Unlock()
	return c.writeMessage(buff)
}

func (c *SocketTransportConnection) NegotiatedVersion() version.Version {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.negotiated
}

func (c *SocketTransportConnection) checkUsable() error {
	if c.closed {
		return common.NewPerchError(common.ConnectionError, "connection closed")
	}
	if !c.handshaken {
		return common.NewPerchError(common.ConnectionError, "connection has not completed the version handshake")
	}
	return nil
}

func (c *SocketTransportConnection) createRequestAndRegisterResponseHandler(action string,
	request []byte) ([]byte, chan responseHolder, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if err := c.checkUsable(); err != nil {
		return nil, nil, err
	}
	correlationID := c.correlationIDSequence
	c.correlationIDSequence++
	buff := c.formatRequest(action, correlationID, request)
	ch := make(chan responseHolder, 1)
	c.responseChannels[correlationID] = ch
	return buff, ch, nil
}

func (c *SocketTransportConnection) formatRequest(action string, correlationID uint64, request []byte) []byte {
	out := wire.NewOutput(20 + len(action) + len(request))
	out.WriteUint32(uint32(c.negotiated.ID))
	out.WriteUint64(correlationID)
	out.WriteString(action)
	buff := append(out.Bytes(), request...)
	return frameMessage(buff)
}

func frameMessage(content []byte) []byte {
	buff := make([]byte, 0, 4+len(content))
	buff = binary.BigEndian.AppendUint32(buff, uint32(len(content)))
	return append(buff, content...)
}

func (c *SocketTransportConnection) writeMessage(buff []byte) error {
	// Set a write deadline so the write doesn't block for a long time in case the other side of the TCP
	// connection disappears
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	_, err := c.conn.Write(buff)
	if err != nil {
		return convertNetworkError(err)
	}
	return nil
}

func (c *SocketTransportConnection) SetWriteTimeout(timeout time.Duration) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.writeTimeout = timeout
}

func (c *SocketTransportConnection) Close() error {
	err := c.conn.Close()
	c.closeWaitGroup.Wait()
	return err
}

func convertNetworkError(err error) error {
	// We convert to unavailable errors, as they are retryable
	return common.NewPerchErrorf(common.Unavailable, "transport error when sending rpc: %v", err)
}
