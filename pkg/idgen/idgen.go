// Package idgen centralizes entity id generation. The teacher generates ids
// with crypto/rand+hex inline in each package (pkg/memory, pkg/chat); this
// pulls that concern into one place and backs it with github.com/google/uuid,
// the id library used throughout the retrieved example corpus
// (haivivi-giztoy, kart-io-sentinel-x, nevindra-oasis).
package idgen

import "github.com/google/uuid"

// New returns a random v4 UUID string, used for every entity id minted by
// memcore (conversation/message/memory/fact/context/etc ids).
func New() string {
	return uuid.NewString()
}
