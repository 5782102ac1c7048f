package transport

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"github.com/perch-labs/perch/cluster"
	"github.com/perch-labs/perch/common"
	"github.com/perch-labs/perch/conf"
	"github.com/perch-labs/perch/errwrap"
	"github.com/perch-labs/perch/version"
	"github.com/perch-labs/perch/wire"
	"github.com/stretchr/testify/require"
)

func init() {
	common.EnableTestPorts()
}

func startServer(t *testing.T, localVersion version.Version) *SocketTransportServer {
	t.Helper()
	address, err := common.AddressWithPort("localhost")
	require.NoError(t, err)
	server := NewSocketTransportServer(address, conf.TLSConfig{}, localVersion)
	require.NoError(t, server.Start())
	t.Cleanup(func() {
		require.NoError(t, server.Stop())
	})
	return server
}

func TestSocketTransportHandshakeAndRPC(t *testing.T) {
	server := startServer(t, version.Current)
	server.RegisterHandler("test:echo", func(_ *ConnectionContext, request []byte, responseBuff []byte,
		responseWriter ResponseWriter) error {
		responseBuff = append(responseBuff, request...)
		return responseWriter(responseBuff, nil)
	})

	client, err := NewSocketClient(version.Current, nil, 5*time.Second)
	require.NoError(t, err)
	conn, err := client.CreateConnection(cluster.NewNode(server.Address()))
	require.NoError(t, err)
	defer func() {
		require.NoError(t, conn.Close())
	}()

	require.Equal(t, version.Current, conn.NegotiatedVersion())
	require.Equal(t, uint64(1), client.Handshaker().NumHandshakes())
	require.Equal(t, 0, client.Handshaker().NumPendingHandshakes())
	require.Equal(t, uint64(0), server.Handshaker().NumHandshakes())

	for i := 0; i < 10; i++ {
		request := fmt.Sprintf("request-%d", i)
		response, err := conn.SendRPC("test:echo", []byte(request))
		require.NoError(t, err)
		require.Equal(t, request, string(response))
	}
}

func TestSocketTransportHandshakeIncompatible(t *testing.T) {
	// a legacy 6.8.0 server answers with its own version, which perch 2.x cannot accept
	server := startServer(t, version.FromID(6080099))

	client, err := NewSocketClient(version.FromID(2050099^version.Mask), nil, 5*time.Second)
	require.NoError(t, err)
	_, err = client.CreateConnection(cluster.NewNode(server.Address()))
	require.Error(t, err)
	require.True(t, common.IsPerchErrorWithCode(err, common.UnsupportedVersion))
	require.Equal(t, 0, client.Handshaker().NumPendingHandshakes())
	require.Equal(t, uint64(1), client.Handshaker().NumHandshakes())
}

func TestSocketTransportLegacyWireHandshake(t *testing.T) {
	// handcraft the handshake frame a legacy 6.8 node would send: stream version 5.6.0, no payload version.
	// the server must answer with legacy 7.10.2 so the peer can decode the response
	server := startServer(t, version.FromID(1030099^version.Mask))

	conn, err := net.Dial("tcp", server.Address())
	require.NoError(t, err)
	defer func() {
		require.NoError(t, conn.Close())
	}()

	out := wire.NewOutput(64)
	out.WriteUint32(uint32(version.LegacyES68Wire.ID))
	out.WriteUint64(1)
	out.WriteString(HandshakeActionName)
	content := out.Bytes()
	frame := binary.BigEndian.AppendUint32(nil, uint32(len(content)))
	frame = append(frame, content...)
	_, err = conn.Write(frame)
	require.NoError(t, err)

	header := make([]byte, 4)
	_, err = io.ReadFull(conn, header)
	require.NoError(t, err)
	body := make([]byte, binary.BigEndian.Uint32(header))
	_, err = io.ReadFull(conn, body)
	require.NoError(t, err)

	require.Equal(t, uint32(version.LegacyES68Wire.ID), binary.BigEndian.Uint32(body))
	require.Equal(t, uint64(1), binary.BigEndian.Uint64(body[4:]))
	require.Equal(t, byte(0), body[12])
	resp, err := readHandshakeResponse(wire.NewInput(body[13:], version.LegacyES68Wire))
	require.NoError(t, err)
	require.Equal(t, version.LegacyV7_10_2, resp.ResponseVersion)
}

func TestSocketTransportErrorResponse(t *testing.T) {
	server := startServer(t, version.Current)
	respErr := common.NewPerchErrorf(common.Unavailable, "not ready yet")
	server.RegisterHandler("test:fail", func(_ *ConnectionContext, _ []byte, _ []byte,
		responseWriter ResponseWriter) error {
		return responseWriter(nil, respErr)
	})

	client, err := NewSocketClient(version.Current, nil, 5*time.Second)
	require.NoError(t, err)
	conn, err := client.CreateConnection(cluster.NewNode(server.Address()))
	require.NoError(t, err)
	defer func() {
		require.NoError(t, conn.Close())
	}()

	response, err := conn.SendRPC("test:fail", []byte("foo"))
	require.Error(t, err)
	require.Nil(t, response)
	require.Equal(t, respErr, err)
}

func TestSocketTransportInterleavedRPCs(t *testing.T) {
	server := startServer(t, version.Current)
	server.RegisterHandler("test:async", func(_ *ConnectionContext, request []byte, responseBuff []byte,
		responseWriter ResponseWriter) error {
		// Send back response async. Need to copy request as handler responds async
		requestCopy := common.ByteSliceCopy(request)
		go func() {
			resp := []byte(fmt.Sprintf("%s-response", string(requestCopy)))
			responseBuff = append(responseBuff, resp...)
			if err := responseWriter(responseBuff, nil); err != nil {
				panic(err)
			}
		}()
		return nil
	})

	client, err := NewSocketClient(version.Current, nil, 5*time.Second)
	require.NoError(t, err)
	conn, err := client.CreateConnection(cluster.NewNode(server.Address()))
	require.NoError(t, err)
	defer func() {
		require.NoError(t, conn.Close())
	}()

	numRequests := 100
	type rpcResult struct {
		resp []byte
		err  error
	}
	chans := make([]chan rpcResult, 0, numRequests)
	for i := 0; i < numRequests; i++ {
		request := fmt.Sprintf("request-%d", i)
		ch := make(chan rpcResult, 1)
		go func() {
			resp, err := conn.SendRPC("test:async", []byte(request))
			ch <- rpcResult{resp, err}
		}()
		chans = append(chans, ch)
	}
	for i, ch := range chans {
		res := <-ch
		require.NoError(t, res.err)
		require.Equal(t, fmt.Sprintf("request-%d-response", i), string(res.resp))
	}
}

func TestSocketTransportRPCOnClosedConnection(t *testing.T) {
	server := startServer(t, version.Current)
	client, err := NewSocketClient(version.Current, nil, 5*time.Second)
	require.NoError(t, err)
	conn, err := client.CreateConnection(cluster.NewNode(server.Address()))
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	_, err = conn.SendRPC("test:echo", []byte("foo"))
	require.Error(t, err)
	require.True(t, common.IsPerchErrorWithCode(err, common.ConnectionError))
}

func TestErrorResponseCodecRoundTrip(t *testing.T) {
	respErr := common.NewPerchErrorf(common.Unavailable, "node not ready")
	body := encodeErrorResponse(nil, respErr)
	decoded := decodeErrorResponse(wire.NewInput(body, version.Current))
	require.Equal(t, respErr, decoded)
}

func TestErrorResponseCodecUnexpectedError(t *testing.T) {
	// non perch errors are sent as internal errors with the message preserved
	body := encodeErrorResponse(nil, errwrap.New("boom"))
	decoded := decodeErrorResponse(wire.NewInput(body, version.Current))
	require.True(t, common.IsPerchErrorWithCode(decoded, common.InternalError))
	require.Equal(t, "boom", decoded.Error())
}

func TestErrorResponseCodecAppendsToHeader(t *testing.T) {
	header := []byte{1, 2, 3}
	body := encodeErrorResponse(header, common.NewPerchError(common.Unavailable, "busy"))
	require.Equal(t, header, body[:3])
	decoded := decodeErrorResponse(wire.NewInput(body[3:], version.Current))
	require.True(t, common.IsPerchErrorWithCode(decoded, common.Unavailable))
}

func TestDecodeErrorResponseTruncated(t *testing.T) {
	// malformed error frames must decode to an error, never panic and tear down the connection
	full := encodeErrorResponse(nil, common.NewPerchError(common.Unavailable, "node not ready"))
	truncations := [][]byte{
		nil,
		{1},
		full[:4],            // code only, no message length
		full[:6],            // message length truncated
		full[:len(full)-3], // message body truncated
	}
	for _, buff := range truncations {
		decoded := decodeErrorResponse(wire.NewInput(buff, version.Current))
		require.Error(t, decoded)
		require.True(t, common.IsPerchErrorWithCode(decoded, common.ProtocolError))
	}
}

func TestSocketTransportHandshakeConnectionReset(t *testing.T) {
	// a server that accepts and immediately closes must fail the handshake with connection reset, not hang
	address, err := common.AddressWithPort("localhost")
	require.NoError(t, err)
	listener, err := common.Listen("tcp", address)
	require.NoError(t, err)
	defer func() {
		_ = listener.Close()
	}()
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			_ = conn.Close()
		}
	}()

	client, err := NewSocketClient(version.Current, nil, 5*time.Second)
	require.NoError(t, err)
	_, err = client.CreateConnection(cluster.NewNode(address))
	require.Error(t, err)
	// depending on how quickly the close is observed the failure surfaces as a reset or as a send failure
	reset := common.IsPerchErrorWithCode(err, common.ConnectionReset)
	sendFailure := common.IsPerchErrorWithCode(err, common.HandshakeSendFailure)
	require.True(t, reset || sendFailure, "unexpected error: %v", err)
	require.Equal(t, 0, client.Handshaker().NumPendingHandshakes())
}
