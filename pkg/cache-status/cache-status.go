// Package cachestatus builds Cache-Status response header members (RFC 9211).
package cachestatus

import (
	"fmt"
	"strconv"
	"strings"
)

const HeaderName = "Cache-Status"

type Status string

const (
	StatusHit Status = "hit"
	StatusFwd Status = "fwd"
)

type FwdReason string

const (
	// The cache was configured to not handle this request.
	// Used while the cache is not yet active.
	FwdReasonBypass FwdReason = "bypass"

	// The request method's semantics require the request to be
	// forwarded.
	FwdReasonMethod FwdReason = "method"

	// The cache did not contain any responses that matched the
	// request URI.
	FwdReasonUriMiss FwdReason = "uri-miss"

	// The cache did not contain any responses that could be used to
	// satisfy this request. Used when the storage lookup failed.
	FwdReasonMiss FwdReason = "miss"
)

type CacheStatus struct {
	Status    Status
	FwdReason FwdReason
	Detail    string
}

func (cs *CacheStatus) Hit() {
	cs.Status = StatusHit
	cs.FwdReason = ""
}

func (cs *CacheStatus) Forward(reason FwdReason) {
	cs.Status = StatusFwd
	cs.FwdReason = reason
}

// String returns the list member for the cache with the given name,
// e.g. `maison-beignet-v1; fwd=uri-miss`.
func (cs CacheStatus) String(cacheName string) string {
	var b strings.Builder
	b.WriteString(cacheName)
	if cs.Status == StatusHit {
		b.WriteString("; hit")
	} else if cs.Status == StatusFwd && cs.FwdReason != "" {
		fmt.Fprintf(&b, "; fwd=%s", cs.FwdReason)
	}
	if cs.Detail != "" {
		fmt.Fprintf(&b, "; detail=%q", cs.Detail)
	}
	return b.String()
}

// Parse reads a list member produced by String.
// It returns the cache name and the status; unknown parameters are ignored.
func Parse(member string) (string, CacheStatus) {
	var cs CacheStatus
	params := strings.Split(member, ";")
	for _, param := range params[1:] {
		name, value, _ := strings.Cut(strings.TrimSpace(param), "=")
		switch name {
		case string(StatusHit):
			cs.Hit()
		case string(StatusFwd):
			cs.Forward(FwdReason(value))
		case "detail":
			if unquoted, err := strconv.Unquote(value); err == nil {
				cs.Detail = unquoted
			} else {
				cs.Detail = value
			}
		}
	}
	return strings.TrimSpace(params[0]), cs
}
