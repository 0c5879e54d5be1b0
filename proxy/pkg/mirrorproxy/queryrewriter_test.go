package mirrorproxy

import (
	"fmt"
	"strings"
	"testing"

	"github.com/datastax/go-cassandra-native-protocol/message"
	"github.com/datastax/go-cassandra-native-protocol/primitive"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// sequentialUuidGenerator makes rewrite output predictable in tests.
type sequentialUuidGenerator struct {
	counter uint32
}

func (recv *sequentialUuidGenerator) GetTimeUuid() uuid.UUID {
	recv.counter++
	return uuid.MustParse(fmt.Sprintf("00000000-0000-1000-8000-%012d", recv.counter))
}

func newTestRewriter(t *testing.T) *QueryRewriter {
	generator, err := NewTimeUuidGenerator()
	require.Nil(t, err)
	return NewQueryRewriter(generator)
}

func TestRewritePassthrough(t *testing.T) {
	rewriter := newTestRewriter(t)

	tests := []struct {
		name  string
		query string
	}{
		{"select without tokens", "SELECT blah FROM ks1.t2"},
		{"insert without tokens", "INSERT INTO blah (a, b) VALUES (1, 2)"},
		{"select with now", "SELECT * FROM t WHERE a = now()"},
		{"delete with now", "DELETE FROM blah WHERE b = 123 AND a = now()"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			request := mockQueryFrame(t, tt.query, 1)
			result := rewriter.Rewrite(request, inspectFrame(request))
			// byte-identical passthrough, not a re-encoded copy
			require.Same(t, request, result)
		})
	}
}

func TestRewriteNonQueryFrames(t *testing.T) {
	rewriter := newTestRewriter(t)

	// an EXECUTE whose body happens to contain a token must not be touched
	executeMsg := &message.Execute{QueryId: []byte("prepared-uuid()-id")}
	request := mockFrame(t, executeMsg, primitive.ProtocolVersion4, 1)
	result := rewriter.Rewrite(request, inspectFrame(request))
	require.Same(t, request, result)
}

func TestRewriteInsert(t *testing.T) {
	rewriter := NewQueryRewriter(&sequentialUuidGenerator{})

	request := mockQueryFrame(t, "INSERT INTO t(id,ts) VALUES (uuid(), now())", 5)
	result := rewriter.Rewrite(request, inspectFrame(request))
	require.NotSame(t, request, result)
	require.Equal(t, int16(5), result.Header.StreamId)
	require.Equal(t, request.Header.Version, result.Header.Version)

	decoded := decodeFrame(t, result)
	queryMsg, ok := decoded.Body.Message.(*message.Query)
	require.True(t, ok)
	require.Equal(t,
		"INSERT INTO t(id,ts) VALUES (00000000-0000-1000-8000-000000000001, 00000000-0000-1000-8000-000000000002)",
		queryMsg.Query)
}

func TestRewriteDistinctValues(t *testing.T) {
	rewriter := newTestRewriter(t)

	request := mockQueryFrame(t, "INSERT INTO t(a,b,c) VALUES (uuid(), UUID(), now())", 1)
	result := rewriter.Rewrite(request, inspectFrame(request))

	decoded := decodeFrame(t, result)
	queryMsg := decoded.Body.Message.(*message.Query)
	require.NotContains(t, strings.ToUpper(queryMsg.Query), "UUID()")
	require.NotContains(t, strings.ToUpper(queryMsg.Query), "NOW()")

	values := strings.TrimSuffix(strings.SplitN(queryMsg.Query, "VALUES (", 2)[1], ")")
	parts := strings.Split(values, ", ")
	require.Len(t, parts, 3)
	seen := map[string]bool{}
	for _, part := range parts {
		parsed, err := uuid.Parse(part)
		require.Nil(t, err)
		require.Equal(t, uuid.Version(1), parsed.Version())
		require.False(t, seen[part])
		seen[part] = true
	}
}

func TestRewriteUpdateAndBatchQueries(t *testing.T) {
	rewriter := newTestRewriter(t)

	tests := []struct {
		name      string
		query     string
		rewritten bool
	}{
		{"update", "UPDATE blah SET b = now() WHERE a = 1", true},
		{"update with leading whitespace", "  UPDATE blah SET b = now() WHERE a = 1", true},
		{"lowercase insert", "insert into blah (a) values (now())", true},
		{"begin batch with insert", "BEGIN BATCH INSERT INTO t(a) VALUES (now()); APPLY BATCH;", true},
		{"begin batch without writes", "BEGIN BATCH DELETE FROM t WHERE a = now(); APPLY BATCH;", false},
		{"select", "SELECT * FROM t WHERE a = now() ALLOW FILTERING", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			request := mockQueryFrame(t, tt.query, 1)
			result := rewriter.Rewrite(request, inspectFrame(request))
			if !tt.rewritten {
				require.Same(t, request, result)
				return
			}
			decoded := decodeFrame(t, result)
			queryMsg := decoded.Body.Message.(*message.Query)
			require.NotContains(t, strings.ToUpper(queryMsg.Query), "NOW()")
		})
	}
}

func TestRewriteBatchMessage(t *testing.T) {
	rewriter := NewQueryRewriter(&sequentialUuidGenerator{})

	batchMsg := &message.Batch{Children: []*message.BatchChild{
		{Query: "INSERT INTO t(a) VALUES (now())"},
		{Id: []byte{0x01, 0x02}, Values: []*primitive.Value{
			{Type: primitive.ValueTypeRegular, Contents: []byte("uuid()")},
			{Type: primitive.ValueTypeRegular, Contents: []byte("regular value")},
		}},
	}}
	request := mockFrame(t, batchMsg, primitive.ProtocolVersion4, 7)

	result := rewriter.Rewrite(request, inspectFrame(request))
	require.NotSame(t, request, result)
	require.Equal(t, int16(7), result.Header.StreamId)

	decoded := decodeFrame(t, result)
	newBatchMsg, ok := decoded.Body.Message.(*message.Batch)
	require.True(t, ok)
	require.Len(t, newBatchMsg.Children, 2)

	require.Equal(t, "INSERT INTO t(a) VALUES (00000000-0000-1000-8000-000000000001)", newBatchMsg.Children[0].Query)

	require.Equal(t, []byte{0x01, 0x02}, newBatchMsg.Children[1].Id)
	require.Equal(t, []byte("00000000-0000-1000-8000-000000000002"), newBatchMsg.Children[1].Values[0].Contents)
	require.Equal(t, []byte("regular value"), newBatchMsg.Children[1].Values[1].Contents)
}

func TestReplaceTimeFunctions(t *testing.T) {
	rewriter := NewQueryRewriter(&sequentialUuidGenerator{})

	result, replaced := rewriter.replaceTimeFunctions("INSERT INTO t(a,b) VALUES (Now(), uUiD())")
	require.True(t, replaced)
	require.Equal(t,
		"INSERT INTO t(a,b) VALUES (00000000-0000-1000-8000-000000000001, 00000000-0000-1000-8000-000000000002)",
		result)

	result, replaced = rewriter.replaceTimeFunctions("no tokens here")
	require.False(t, replaced)
	require.Equal(t, "no tokens here", result)
}
