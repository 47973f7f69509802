package model

import (
	"fmt"
	"strings"

	"github.com/oklog/ulid/v2"
)

// activationIDLen is the length of the opaque id returned on job acceptance.
const activationIDLen = 12

// JobKey derives the deterministic identifier for a submission from its
// executor id and job id. The same pair always yields the same key.
func JobKey(executorID, jobID string) string {
	return executorID + "-" + jobID
}

// CallID formats the i-th call identifier of a job.
func CallID(i int) string {
	return fmt.Sprintf("%05d", i)
}

// NewActivationID generates an opaque identifier for an accepted submission.
// The trailing characters of a ULID carry the entropy, so the prefix holding
// the millisecond timestamp is discarded.
func NewActivationID() string {
	id := strings.ToLower(ulid.Make().String())
	return id[len(id)-activationIDLen:]
}

// NewWorkerName builds a worker instance name from a hint and a fresh ULID
// suffix so that concurrently provisioned workers never collide.
func NewWorkerName(hint string) string {
	return hint + "-" + NewActivationID()
}
