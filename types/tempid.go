package types

import (
	"fmt"
	"strings"
	"time"

	"github.com/teris-io/shortid"
)

// TempIdPrefix namespaces locally generated message ids. Server ids are
// never prefixed, so a temporary id can never collide with a real one.
const TempIdPrefix = "temp-"

// NewTempId returns a time-based id for an optimistic message.
func NewTempId() string {
	sid, err := shortid.Generate()
	if err != nil {
		// shortid only fails if the default generator is misconfigured;
		// the nanosecond timestamp alone is still unique enough here
		return fmt.Sprintf("%s%d", TempIdPrefix, time.Now().UnixNano())
	}

	return fmt.Sprintf("%s%d-%s", TempIdPrefix, time.Now().UnixNano(), sid)
}

func IsTempId(id string) bool {
	return strings.HasPrefix(id, TempIdPrefix)
}
