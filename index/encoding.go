package index

import (
	"encoding/binary"
	"fmt"
	"time"
)

func encodeCounter(v uint32) []byte {
	ans := make([]byte, 4)
	binary.BigEndian.PutUint32(ans, v)
	return ans
}

func decodeCounter(data []byte) uint32 {
	if len(data) < 4 {
		return 0
	}
	return binary.BigEndian.Uint32(data)
}

func encodeTime(t time.Time) []byte {
	ans := make([]byte, 8)
	binary.BigEndian.PutUint64(ans, uint64(t.Unix()))
	return ans
}

func decodeTime(data []byte) (time.Time, error) {
	if len(data) != 8 {
		return time.Time{}, fmt.Errorf("invalid timestamp encoding (%d bytes)", len(data))
	}
	return time.Unix(int64(binary.BigEndian.Uint64(data)), 0), nil
}
