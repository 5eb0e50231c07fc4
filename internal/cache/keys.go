package cache

import (
	"fmt"
)

func ResultKey(fingerprint string) string {
	return fmt.Sprintf("result:%s", fingerprint)
}

func RateLimitKey(clientID string) string {
	return fmt.Sprintf("ratelimit:%s", clientID)
}
