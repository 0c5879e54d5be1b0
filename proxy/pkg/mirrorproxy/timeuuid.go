package mirrorproxy

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

type TimeUuidGenerator interface {
	GetTimeUuid() uuid.UUID
}

type timeUuidGeneratorImpl struct {
	nodeID   [6]byte
	clockSeq uint32
}

// NewTimeUuidGenerator builds a Type 1 UUID generator with a random node id.
// One generator is shared by all connections of a proxy instance so that the
// clock sequence keeps advancing across them.
func NewTimeUuidGenerator() (TimeUuidGenerator, error) {
	// skip trying to use mac addresses, just generate a random node id
	var newNodeId [6]byte
	_, err := rand.Read(newNodeId[:])
	if err != nil {
		return nil, fmt.Errorf("could not generate node id for timeuuid generation: %w", err)
	}
	newNodeId[0] = newNodeId[0] | 0x01 // multicast bit, check RFC4122

	randomClockSeqSlice := make([]byte, 2)
	_, err = rand.Read(randomClockSeqSlice)
	if err != nil {
		return nil, fmt.Errorf("could not generate clock sequence: %w", err)
	}

	generator := &timeUuidGeneratorImpl{
		nodeID: newNodeId,
	}
	atomic.StoreUint32(&generator.clockSeq, uint32(binary.BigEndian.Uint16(randomClockSeqSlice)))
	return generator, nil
}

var gregorianCalendarTime = time.Date(1582, time.October, 15, 0, 0, 0, 0, time.UTC)

func (recv *timeUuidGeneratorImpl) GetTimeUuid() uuid.UUID {
	now, clockSeq := recv.getTimeAndClockSeq()
	return newTimeUuid(now, clockSeq, recv.nodeID)
}

func newTimeUuid(now int64, clockSeq uint16, nodeId [6]byte) uuid.UUID {
	var uid uuid.UUID
	timeLow := uint32(now & 0xffffffff)
	timeMid := uint16((now >> 32) & 0xffff)
	timeHi := uint16((now >> 48) & 0x0fff)

	binary.BigEndian.PutUint32(uid[0:], timeLow)
	binary.BigEndian.PutUint16(uid[4:], timeMid)
	binary.BigEndian.PutUint16(uid[6:], timeHi)
	binary.BigEndian.PutUint16(uid[8:], clockSeq)
	copy(uid[10:], nodeId[:])

	uid[6] &= 0x0F // clear version
	uid[6] |= 0x10 // set version to 1 (time based uuid)
	uid[8] &= 0x3F // clear variant
	uid[8] |= 0x80 // set to IETF variant

	return uid
}

func (recv *timeUuidGeneratorImpl) getTimeAndClockSeq() (int64, uint16) {
	clockSeq := uint16(atomic.AddUint32(&recv.clockSeq, 1))
	return getTime(time.Now().UTC()), clockSeq
}

func getTime(nowUtc time.Time) int64 {
	nowSeconds := nowUtc.Unix()
	nowNanoseconds := nowUtc.Nanosecond()
	gregorianSeconds := gregorianCalendarTime.Unix()
	gregorianNanoseconds := gregorianCalendarTime.Nanosecond()

	// doing this calculation in pure nanoseconds (time.Duration base unit) and dividing by 100 at the end would result
	// in an overflow so obtain the count of 100-nanosecond intervals right away
	timestampSeconds := time.Duration(nowSeconds-gregorianSeconds) * (time.Second / 100)

	timestampNanoseconds := (time.Duration(nowNanoseconds-gregorianNanoseconds) * time.Nanosecond) / 100
	return (timestampSeconds + timestampNanoseconds).Nanoseconds()
}
