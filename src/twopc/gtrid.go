package twopc

import (
	"encoding/binary"
	"os"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"

	"github.com/Blackdeer1524/txnlog/src/pkg/common"
)

// GtridGenerator builds global transaction ids that are unlikely to clash
// between sites: the host and process identity are hashed into a base that
// is mixed with the local transaction id.
type GtridGenerator struct {
	base uint32
	seq  atomic.Uint32
}

func NewGtridGenerator(host string, pid int) *GtridGenerator {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(pid)) //nolint:gosec

	h := xxhash.New()
	_, _ = h.WriteString(host)
	_, _ = h.Write(buf[:])
	sum := h.Sum64()

	return &GtridGenerator{base: uint32(sum>>32) ^ uint32(sum)} //nolint:gosec
}

// LocalGtridGenerator seeds the generator with this process.
func LocalGtridGenerator() *GtridGenerator {
	host, err := os.Hostname()
	if err != nil {
		host = "localhost"
	}
	return NewGtridGenerator(host, os.Getpid())
}

// Next returns an id for txnID that inUse does not report as taken.
func (g *GtridGenerator) Next(txnID common.TxnID, inUse func(common.Gtrid) bool) common.Gtrid {
	id := g.base ^ uint32(txnID) ^ uint32(txnID>>32) //nolint:gosec
	for {
		gtrid := common.Gtrid(id + g.seq.Add(1) - 1)
		if gtrid != common.NilGtrid && !inUse(gtrid) {
			return gtrid
		}
	}
}
