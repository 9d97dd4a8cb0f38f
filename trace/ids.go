package trace

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"strconv"

	"github.com/mr-tron/base58/base58"
	uuid "github.com/satori/go.uuid"
	"go.uber.org/atomic"
)

// IDGenerator generates trace and span ids.
type IDGenerator interface {
	TraceID() string
	SpanID() string
}

var randomIDs = &random{}

// RandomIDs returns the default id generator: trace ids are random UUIDs in hex form, span ids are base58 encoded
// random 64 bit values.
func RandomIDs() IDGenerator {
	return randomIDs
}

type random struct{}

func (random) TraceID() string {
	return hex.EncodeToString(uuid.NewV4().Bytes())
}

func (random) SpanID() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		// fall back to a uuid-derived value
		copy(b[:], uuid.NewV4().Bytes())
	}
	if binary.BigEndian.Uint64(b[:]) == 0 {
		b[7] = 1
	}
	return base58.Encode(b[:])
}

// SequentialIDs returns an id generator producing predictable ids "t1", "t2", ... and "s1", "s2", ... It is meant for
// tests and examples.
func SequentialIDs() IDGenerator {
	return &sequential{}
}

type sequential struct {
	traces atomic.Int64
	spans  atomic.Int64
}

func (s *sequential) TraceID() string {
	return "t" + strconv.FormatInt(s.traces.Inc(), 10)
}

func (s *sequential) SpanID() string {
	return "s" + strconv.FormatInt(s.spans.Inc(), 10)
}
