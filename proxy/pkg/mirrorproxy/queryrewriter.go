package mirrorproxy

import (
	"strings"

	"github.com/datastax/go-cassandra-native-protocol/frame"
	"github.com/datastax/go-cassandra-native-protocol/message"
	log "github.com/sirupsen/logrus"
)

const (
	uuidToken = "UUID()"
	nowToken  = "NOW()"
)

// QueryRewriter replaces uuid() and now() calls in write statements with
// proxy-generated time UUIDs. The rewrite happens once, before fan-out, so
// both clusters receive the identical statement and store identical values.
//
// Prepared statements (EXECUTE) are not rewritten. The token scan does not
// distinguish string literals or comments from CQL, so a literal containing
// "uuid()" is rewritten as well.
type QueryRewriter struct {
	timeUuidGenerator TimeUuidGenerator
}

func NewQueryRewriter(timeUuidGenerator TimeUuidGenerator) *QueryRewriter {
	return &QueryRewriter{timeUuidGenerator: timeUuidGenerator}
}

// Rewrite returns the frame to fan out to both clusters. Frames that do not
// contain any uuid()/now() token are returned untouched. A frame that fails
// to decode is forwarded unrewritten; losing the uuid substitution for one
// frame beats dropping the connection.
func (recv *QueryRewriter) Rewrite(request *frame.RawFrame, state FrameState) *frame.RawFrame {
	if state != FrameStateQuery && state != FrameStateBatch {
		return request
	}

	if !containsTimeFunction(string(request.Body)) {
		return request
	}

	decodedFrame, err := defaultCodec.ConvertFromRawFrame(request)
	if err != nil {
		log.Warnf("Could not decode %v frame for uuid replacement, forwarding it unmodified: %v.",
			request.Header.OpCode, err)
		return request
	}

	var newFrame *frame.Frame
	switch decodedFrame.Body.Message.(type) {
	case *message.Query:
		newFrame = recv.rewriteQuery(decodedFrame)
	case *message.Batch:
		newFrame = recv.rewriteBatch(decodedFrame)
	default:
		return request
	}

	if newFrame == nil {
		return request
	}

	rewritten, err := defaultCodec.ConvertToRawFrame(newFrame)
	if err != nil {
		log.Warnf("Could not re-encode %v frame after uuid replacement, forwarding the original: %v.",
			request.Header.OpCode, err)
		return request
	}
	return rewritten
}

// rewriteQuery handles QUERY frames. Only INSERT/UPDATE statements are
// rewritten; BATCH statements sent by tools like cqlsh arrive as plain
// queries starting with BEGIN BATCH, so those are covered here too.
func (recv *QueryRewriter) rewriteQuery(decodedFrame *frame.Frame) *frame.Frame {
	queryMsg := decodedFrame.Body.Message.(*message.Query)
	upper := strings.ToUpper(strings.TrimLeft(queryMsg.Query, " \t\r\n"))
	isWrite := strings.HasPrefix(upper, "INSERT") ||
		strings.HasPrefix(upper, "UPDATE") ||
		(strings.HasPrefix(upper, "BEGIN BATCH") &&
			(strings.Contains(upper, "INSERT") || strings.Contains(upper, "UPDATE")))
	if !isWrite {
		return nil
	}

	newStatement, replaced := recv.replaceTimeFunctions(queryMsg.Query)
	if !replaced {
		return nil
	}

	newFrame := decodedFrame.DeepCopy()
	newQueryMsg, ok := newFrame.Body.Message.(*message.Query)
	if !ok {
		log.Errorf("Expected Query in cloned frame but got %v instead.", newFrame.Body.Message.GetOpCode())
		return nil
	}
	newQueryMsg.Query = newStatement
	return newFrame
}

// rewriteBatch handles BATCH frames: tokens in textual child statements are
// replaced, and bound values whose text equals a bare uuid()/now() call are
// replaced with the string form of a fresh time UUID.
func (recv *QueryRewriter) rewriteBatch(decodedFrame *frame.Frame) *frame.Frame {
	newFrame := decodedFrame.DeepCopy()
	newBatchMsg, ok := newFrame.Body.Message.(*message.Batch)
	if !ok {
		log.Errorf("Expected Batch in cloned frame but got %v instead.", newFrame.Body.Message.GetOpCode())
		return nil
	}

	replacedAny := false
	for _, child := range newBatchMsg.Children {
		if child.Id == nil && child.Query != "" {
			newStatement, replaced := recv.replaceTimeFunctions(child.Query)
			if replaced {
				child.Query = newStatement
				replacedAny = true
			}
		}
		for _, value := range child.Values {
			if value == nil || value.Contents == nil {
				continue
			}
			trimmed := strings.TrimSpace(string(value.Contents))
			if strings.EqualFold(trimmed, uuidToken) || strings.EqualFold(trimmed, nowToken) {
				value.Contents = []byte(recv.timeUuidGenerator.GetTimeUuid().String())
				replacedAny = true
			}
		}
	}

	if !replacedAny {
		return nil
	}
	return newFrame
}

// replaceTimeFunctions replaces every occurrence of uuid() and now() in the
// statement, each with a distinct freshly generated time UUID.
func (recv *QueryRewriter) replaceTimeFunctions(statement string) (string, bool) {
	upper := strings.ToUpper(statement)
	sb := strings.Builder{}
	replaced := false
	i := 0
	for i < len(statement) {
		idx, tokenLen := nextTimeFunction(upper[i:])
		if idx < 0 {
			break
		}
		sb.WriteString(statement[i : i+idx])
		sb.WriteString(recv.timeUuidGenerator.GetTimeUuid().String())
		i += idx + tokenLen
		replaced = true
	}
	sb.WriteString(statement[i:])
	return sb.String(), replaced
}

func nextTimeFunction(upper string) (int, int) {
	uuidIdx := strings.Index(upper, uuidToken)
	nowIdx := strings.Index(upper, nowToken)
	switch {
	case uuidIdx < 0 && nowIdx < 0:
		return -1, 0
	case nowIdx < 0 || (uuidIdx >= 0 && uuidIdx < nowIdx):
		return uuidIdx, len(uuidToken)
	default:
		return nowIdx, len(nowToken)
	}
}

func containsTimeFunction(body string) bool {
	upper := strings.ToUpper(body)
	return strings.Contains(upper, uuidToken) || strings.Contains(upper, nowToken)
}
