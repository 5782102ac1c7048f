package transport

import (
	"io"

	"github.com/perch-labs/perch/common"
	"github.com/perch-labs/perch/version"
	"github.com/perch-labs/perch/wire"
)

/*
HandshakeRequest carries the sender's advertised version. The version is wrapped in a length prefixed blob so
peers that don't know the field can skip it cleanly - the blob can grow in later versions without breaking old
parsers. A nil Version on decode means the peer was too old to send one.
*/
type HandshakeRequest struct {
	Version *version.Version
}

func (r *HandshakeRequest) Write(out *wire.Output) {
	if r.Version == nil {
		panic("version must be set on an outbound handshake request")
	}
	inner := wire.NewOutput(4)
	inner.WriteVersion(*r.Version)
	out.WriteBytesReference(inner.Bytes())
}

func readHandshakeRequest(in *wire.Input) (*HandshakeRequest, error) {
	blob, err := in.ReadBytesReference()
	if err != nil {
		if err == io.EOF {
			// stream ended before the field - version absent
			return &HandshakeRequest{}, nil
		}
		return nil, err
	}
	if len(blob) == 0 {
		return &HandshakeRequest{}, nil
	}
	sub := in.SubInput(blob)
	v, err := sub.ReadVersion()
	if err != nil {
		return nil, common.NewPerchErrorf(common.ProtocolError,
			"failed to read version from handshake request: %v", err)
	}
	return &HandshakeRequest{Version: &v}, nil
}

// HandshakeResponse carries the version the responder selected for the connection. No wrapper here - the
// response layout has been stable across every version that can reach this code.
type HandshakeResponse struct {
	ResponseVersion version.Version
}

func (r *HandshakeResponse) Write(out *wire.Output) {
	out.WriteVersion(r.ResponseVersion)
}

func readHandshakeResponse(in *wire.Input) (*HandshakeResponse, error) {
	v, err := in.ReadVersion()
	if err != nil {
		return nil, common.NewPerchErrorf(common.ProtocolError,
			"failed to read version from handshake response: %v", err)
	}
	return &HandshakeResponse{ResponseVersion: v}, nil
}
