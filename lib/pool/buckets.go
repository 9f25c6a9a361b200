package pool

import (
	"sync/atomic"
)

// numBuckets is the number of idle buckets: stream/datagram crossed
// with IPv4/IPv6.
const numBuckets = 4

// removeScanLimit bounds how many entries a targeted removal will
// dequeue and requeue before giving up. Stale entries past the limit
// are caught later by validation on pop.
const removeScanLimit = 100

// bucketIndex maps a (protocol, family) pair to its idle bucket.
// Unknown on either axis is not bucketable.
func bucketIndex(p Protocol, v IPVersion) (int, bool) {
	var pi, vi int
	switch p {
	case ProtocolTCP:
		pi = 0
	case ProtocolUDP:
		pi = 1
	default:
		return 0, false
	}
	switch v {
	case IPVersionV4:
		vi = 0
	case IPVersionV6:
		vi = 1
	default:
		return 0, false
	}
	return pi*2 + vi, true
}

// targetBuckets returns the buckets an acquire should probe, in fixed
// preference order: TCP before UDP, IPv4 before IPv6. An unknown
// constraint on an axis expands to both values of that axis.
func targetBuckets(p Protocol, v IPVersion) ([numBuckets]int, int) {
	protos := [2]Protocol{ProtocolTCP, ProtocolUDP}
	vers := [2]IPVersion{IPVersionV4, IPVersionV6}

	var out [numBuckets]int
	n := 0
	for _, pr := range protos {
		if p != ProtocolUnknown && p != pr {
			continue
		}
		for _, vr := range vers {
			if v != IPVersionUnknown && v != vr {
				continue
			}
			idx, _ := bucketIndex(pr, vr)
			out[n] = idx
			n++
		}
	}
	return out, n
}

// bucket is one idle queue. The channel stores the connections; the
// counter approximates occupancy and enforces the idle cap. Pushes
// increment before enqueueing and pops dequeue before decrementing, so
// the counter may transiently overstate but the queue never holds more
// than the cap.
type bucket struct {
	queue chan *Conn
	count atomic.Int64
}

type bucketSet struct {
	buckets [numBuckets]*bucket
	maxIdle int64
}

func newBucketSet(maxIdle int) *bucketSet {
	s := &bucketSet{maxIdle: int64(maxIdle)}
	for i := range s.buckets {
		s.buckets[i] = &bucket{queue: make(chan *Conn, maxIdle)}
	}
	return s
}

// push offers a connection to its bucket. It returns false when the
// bucket is at its idle cap; the caller then closes the connection.
func (s *bucketSet) push(idx int, c *Conn) bool {
	b := s.buckets[idx]
	for {
		cur := b.count.Load()
		if cur >= s.maxIdle {
			return false
		}
		if b.count.CompareAndSwap(cur, cur+1) {
			break
		}
	}
	select {
	case b.queue <- c:
		return true
	default:
		// Counter admitted us but the queue had no slot. Undo.
		b.count.Add(-1)
		return false
	}
}

// pop takes one idle connection from a bucket, or nil when it is
// empty.
func (s *bucketSet) pop(idx int) *Conn {
	b := s.buckets[idx]
	select {
	case c := <-b.queue:
		decrementFloor(&b.count)
		return c
	default:
		return nil
	}
}

// removeIfPresent scans a connection's bucket for it, requeuing
// everything else, and returns whether it was found. The scan is
// bounded; a connection deeper than the limit stays queued and is
// discarded by validation when popped. Entries that cannot be requeued
// are returned as orphans for the caller to dispose of.
func (s *bucketSet) removeIfPresent(c *Conn) (bool, []*Conn) {
	idx, ok := bucketIndex(c.protocol, c.ipVersion)
	if !ok {
		return false, nil
	}
	b := s.buckets[idx]
	var orphans []*Conn
	for i := 0; i < removeScanLimit; i++ {
		select {
		case got := <-b.queue:
			if got == c {
				decrementFloor(&b.count)
				return true, orphans
			}
			select {
			case b.queue <- got:
			default:
				decrementFloor(&b.count)
				orphans = append(orphans, got)
			}
		default:
			return false, orphans
		}
	}
	return false, orphans
}

// drain empties one bucket and resets its counter, returning the
// connections it held.
func (s *bucketSet) drain(idx int) []*Conn {
	b := s.buckets[idx]
	var out []*Conn
	for {
		select {
		case c := <-b.queue:
			out = append(out, c)
		default:
			b.count.Store(0)
			return out
		}
	}
}

// idleCount sums the bucket counters. The result is approximate in the
// same way the counters are.
func (s *bucketSet) idleCount() int64 {
	var n int64
	for _, b := range s.buckets {
		if c := b.count.Load(); c > 0 {
			n += c
		}
	}
	return n
}

// decrementFloor decrements a counter without letting it go negative.
func decrementFloor(n *atomic.Int64) {
	for {
		cur := n.Load()
		if cur <= 0 {
			return
		}
		if n.CompareAndSwap(cur, cur-1) {
			return
		}
	}
}
