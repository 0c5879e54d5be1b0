package mirrorproxy

import (
	"testing"

	"github.com/datastax/go-cassandra-native-protocol/frame"
	"github.com/datastax/go-cassandra-native-protocol/message"
	"github.com/datastax/go-cassandra-native-protocol/primitive"
	"github.com/stretchr/testify/require"
)

func mockSupportedFrame(t *testing.T, options map[string][]string) *frame.RawFrame {
	return mockFrame(t, &message.Supported{Options: options}, primitive.ProtocolVersion4, 3)
}

func TestSupportedOverrideDisabled(t *testing.T) {
	require.Nil(t, newSupportedOverride(nil, nil))
}

func TestSupportedOverride(t *testing.T) {
	tests := []struct {
		name             string
		protocolVersions []int
		cqlVersions      []string
		expectedOptions  map[string][]string
	}{
		{
			"protocol and cql versions",
			[]int{4},
			[]string{"3.4.5"},
			map[string][]string{
				"PROTOCOL_VERSIONS": {"4/v4"},
				"CQL_VERSION":       {"3.4.5"},
				"COMPRESSION":       {"snappy", "lz4"},
			},
		},
		{
			"protocol versions only",
			[]int{3, 4},
			nil,
			map[string][]string{
				"PROTOCOL_VERSIONS": {"3/v3", "4/v4"},
				"CQL_VERSION":       {"3.4.4"},
				"COMPRESSION":       {"snappy", "lz4"},
			},
		},
		{
			"cql versions only",
			nil,
			[]string{"3.4.5"},
			map[string][]string{
				"PROTOCOL_VERSIONS": {"3/v3", "4/v4", "5/v5-beta"},
				"CQL_VERSION":       {"3.4.5"},
				"COMPRESSION":       {"snappy", "lz4"},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			override := newSupportedOverride(tt.protocolVersions, tt.cqlVersions)
			require.NotNil(t, override)

			response := mockSupportedFrame(t, map[string][]string{
				"PROTOCOL_VERSIONS": {"3/v3", "4/v4", "5/v5-beta"},
				"CQL_VERSION":       {"3.4.4"},
				"COMPRESSION":       {"snappy", "lz4"},
			})

			rewritten := override.apply(response, "SOURCE-CONNECTOR")
			require.NotSame(t, response, rewritten)
			require.Equal(t, response.Header.StreamId, rewritten.Header.StreamId)
			require.Equal(t, response.Header.Version, rewritten.Header.Version)

			decoded := decodeFrame(t, rewritten)
			supportedMsg, ok := decoded.Body.Message.(*message.Supported)
			require.True(t, ok)
			require.Equal(t, tt.expectedOptions, supportedMsg.Options)
		})
	}
}

func TestSupportedOverrideNonSupportedFramePassthrough(t *testing.T) {
	override := newSupportedOverride([]int{4}, nil)

	response := mockFrame(t, &message.VoidResult{}, primitive.ProtocolVersion4, 3)
	require.Same(t, response, override.apply(response, "SOURCE-CONNECTOR"))
}
