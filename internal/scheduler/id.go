package scheduler

import (
	"encoding/hex"

	"github.com/google/uuid"

	"nonobvious/internal/node"
)

// NewID returns a 64 character hex ID: a time-based UUIDv1 followed by a
// random UUIDv4, so nodes scheduled in the same instant still differ.
func NewID() node.ID {
	timed, err := uuid.NewUUID()
	if err != nil {
		timed = uuid.New()
	}
	random := uuid.New()
	return node.ID(hex.EncodeToString(timed[:]) + hex.EncodeToString(random[:]))
}
