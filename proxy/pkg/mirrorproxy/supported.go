package mirrorproxy

import (
	"fmt"

	"github.com/datastax/go-cassandra-native-protocol/frame"
	"github.com/datastax/go-cassandra-native-protocol/message"
	log "github.com/sirupsen/logrus"
)

// supportedOverride rewrites SUPPORTED responses from the source cluster so
// clients negotiate against the configured protocol and CQL versions instead
// of whatever the cluster advertises. All other advertised options are
// preserved. This is the one place where the bytes forwarded to the client
// intentionally differ from the bytes the source returned.
type supportedOverride struct {
	protocolVersions []string
	cqlVersions      []string
}

func newSupportedOverride(protocolVersions []int, cqlVersions []string) *supportedOverride {
	if len(protocolVersions) == 0 && len(cqlVersions) == 0 {
		return nil
	}

	formattedProtocolVersions := make([]string, 0, len(protocolVersions))
	for _, v := range protocolVersions {
		formattedProtocolVersions = append(formattedProtocolVersions, fmt.Sprintf("%d/v%d", v, v))
	}

	return &supportedOverride{
		protocolVersions: formattedProtocolVersions,
		cqlVersions:      cqlVersions,
	}
}

// apply returns the rewritten SUPPORTED response. A response that fails to
// decode is forwarded as received.
func (recv *supportedOverride) apply(response *frame.RawFrame, logPrefix string) *frame.RawFrame {
	decodedFrame, err := defaultCodec.ConvertFromRawFrame(response)
	if err != nil {
		log.Warnf("[%v] Could not decode SUPPORTED response, forwarding it unmodified: %v.", logPrefix, err)
		return response
	}

	supportedMsg, ok := decodedFrame.Body.Message.(*message.Supported)
	if !ok {
		log.Warnf("[%v] Expected Supported message but got %v, forwarding it unmodified.",
			logPrefix, decodedFrame.Body.Message.GetOpCode())
		return response
	}

	newOptions := make(map[string][]string, len(supportedMsg.Options))
	for key, values := range supportedMsg.Options {
		newOptions[key] = values
	}
	if len(recv.protocolVersions) > 0 {
		newOptions["PROTOCOL_VERSIONS"] = recv.protocolVersions
	}
	if len(recv.cqlVersions) > 0 {
		newOptions["CQL_VERSION"] = recv.cqlVersions
	}

	newFrame := frame.NewFrame(
		decodedFrame.Header.Version, decodedFrame.Header.StreamId, &message.Supported{Options: newOptions})
	newFrame.Body.TracingId = decodedFrame.Body.TracingId
	newFrame.Body.CustomPayload = decodedFrame.Body.CustomPayload
	newFrame.Body.Warnings = decodedFrame.Body.Warnings

	rewritten, err := defaultCodec.ConvertToRawFrame(newFrame)
	if err != nil {
		log.Warnf("[%v] Could not re-encode SUPPORTED response, forwarding the original: %v.", logPrefix, err)
		return response
	}

	log.Debugf("[%v] Rewrote SUPPORTED options %v to %v.", logPrefix, supportedMsg.Options, newOptions)
	return rewritten
}
