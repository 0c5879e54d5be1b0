package mirrorproxy

import (
	"fmt"
	"strings"

	"github.com/datastax/go-cassandra-native-protocol/frame"
	"github.com/datastax/go-cassandra-native-protocol/message"
	"github.com/datastax/go-cassandra-native-protocol/primitive"
)

// ProtocolGuard enforces the configured protocol version allow-list. When the
// list is empty every version the codec understands is accepted and the
// source cluster drives negotiation.
type ProtocolGuard struct {
	allowedVersions []int
	allowed         map[primitive.ProtocolVersion]bool
}

func NewProtocolGuard(allowedVersions []int) *ProtocolGuard {
	allowed := make(map[primitive.ProtocolVersion]bool, len(allowedVersions))
	for _, v := range allowedVersions {
		allowed[primitive.ProtocolVersion(v)] = true
	}
	return &ProtocolGuard{
		allowedVersions: allowedVersions,
		allowed:         allowed,
	}
}

func (recv *ProtocolGuard) Enabled() bool {
	return len(recv.allowedVersions) > 0
}

// Check returns a synthesized ERROR response when the request's protocol
// version is not in the allow-list, nil otherwise. The response reuses the
// request's stream id and is encoded with the lowest configured version so
// the driver can parse it and downgrade.
func (recv *ProtocolGuard) Check(request *frame.RawFrame) (*frame.RawFrame, error) {
	if !recv.Enabled() || recv.allowed[request.Header.Version] {
		return nil, nil
	}

	protocolErrMsg := &message.ProtocolError{
		ErrorMessage: recv.unsupportedVersionMessage(int(request.Header.Version)),
	}
	response := frame.NewFrame(
		primitive.ProtocolVersion(recv.allowedVersions[0]), request.Header.StreamId, protocolErrMsg)
	rawResponse, err := defaultCodec.ConvertToRawFrame(response)
	if err != nil {
		return nil, fmt.Errorf("could not generate protocol error response raw frame (%v): %w", protocolErrMsg, err)
	}

	return rawResponse, nil
}

func (recv *ProtocolGuard) unsupportedVersionMessage(rejectedVersion int) string {
	sb := strings.Builder{}
	fmt.Fprintf(&sb, "Invalid or unsupported protocol version (%d); supported versions are (", rejectedVersion)
	for i, v := range recv.allowedVersions {
		if i > 0 {
			sb.WriteString(",")
		}
		fmt.Fprintf(&sb, "%d/v%d", v, v)
	}
	sb.WriteString(")")
	return sb.String()
}
