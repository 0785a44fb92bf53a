package utils

import (
	"fmt"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

const messageIDAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// GenerateMessageID creates an RFC 5322 message id for the given domain
func GenerateMessageID(domain string) string {
	if domain == "" {
		domain = "localhost"
	}
	id, err := gonanoid.Generate(messageIDAlphabet, 12)
	if err != nil {
		// only fails if the random source is broken
		id = fmt.Sprintf("%x", time.Now().UnixNano())
	}
	return fmt.Sprintf("<%d.%s@%s>", time.Now().UnixMicro(), id, domain)
}
