package quotas

import (
	"fmt"
	"strings"
)

const (
	quotasPrefix      = "quotas"
	quotasIndexSuffix = "index"
)

func normaliseScope(scope string) string {
	return strings.ToLower(strings.TrimSpace(scope))
}

func counterKey(scope string, epoch uint64, addr []byte) []byte {
	return []byte(fmt.Sprintf("%s/%s/%d/%x", quotasPrefix, normaliseScope(scope), epoch, addr))
}

func epochIndexKey(scope string, epoch uint64) []byte {
	return []byte(fmt.Sprintf("%s/%s/%d/%s", quotasPrefix, normaliseScope(scope), epoch, quotasIndexSuffix))
}
