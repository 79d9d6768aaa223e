package gen

import (
	"crypto/rand"
	"encoding/hex"
	"strconv"
	"time"
)

// MonitorRef is the spec's MonitorId: format "m<timestamp-base36>-<16 random hex>".
type MonitorRef string

// LinkRef is the spec's LinkId: format "l<timestamp-base36>-<16 random hex>".
type LinkRef string

// newPrefixedID builds an id of the form "<prefix><timestamp-base36>-<16
// random hex>" per spec.md §3. This grammar is bespoke to this protocol (no
// corpus library emits it), so it is hand-rolled on top of crypto/rand
// rather than adapted from a UUID/xid library.
func newPrefixedID(prefix string) string {
	ts := strconv.FormatInt(time.Now().UnixNano(), 36)
	var buf [8]byte
	_, _ = rand.Read(buf[:])
	return prefix + ts + "-" + hex.EncodeToString(buf[:])
}

// NewMonitorRef generates a fresh monitor id.
func NewMonitorRef() MonitorRef { return MonitorRef(newPrefixedID("m")) }

// NewLinkRef generates a fresh link id.
func NewLinkRef() LinkRef { return LinkRef(newPrefixedID("l")) }

// NewPrefixedID is exported so the cluster package can mint CallId/SpawnId
// values sharing the exact same grammar without duplicating the format.
func NewPrefixedID(prefix string) string { return newPrefixedID(prefix) }
