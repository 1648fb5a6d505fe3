package wsserver

import (
	"strings"

	"github.com/wasilibs/go-re2"
	"golang.org/x/text/unicode/norm"
)

var deviceIDPattern = re2.MustCompile(`^[\p{L}\p{N}._:@-]{1,64}$`)

// normalizePeerString folds a peer supplied string to NFKC and drops control characters.
func normalizePeerString(s string) string {
	normalized := norm.NFKC.String(s)

	var b strings.Builder
	for _, r := range normalized {
		if r >= 32 && r != 127 {
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}

// validDeviceID reports whether id can key a client record. Other ids are
// accepted but the client is keyed by its connection id.
func validDeviceID(id string) bool {
	return deviceIDPattern.MatchString(id)
}
