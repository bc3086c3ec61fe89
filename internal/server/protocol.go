package server

import (
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"cruncher/internal/orchestrator"
	"cruncher/internal/querylang"
)

// Message types. Every frame is a msgpack map with a type field.
const (
	msgSyncRequest  = "sync_request"
	msgSyncResponse = "sync_response"
	msgSyncError    = "sync_error"
	msgBatchDone    = "query_batch_done"
	msgJobUpdated   = "query_job_updated"
)

// inMessage is a frame received from a client.
type inMessage struct {
	Type    string             `msgpack:"type"`
	UUID    string             `msgpack:"uuid"`
	Kind    string             `msgpack:"kind"`
	Payload msgpack.RawMessage `msgpack:"payload"`
}

// outMessage is a frame sent to clients. UUID is empty for broadcasts.
type outMessage struct {
	Type    string `msgpack:"type"`
	UUID    string `msgpack:"uuid,omitempty"`
	Payload any    `msgpack:"payload"`
}

type errorPayload struct {
	Error   string `msgpack:"error"`
	Details string `msgpack:"details,omitempty"`
}

type batchDonePayload struct {
	JobID string                    `msgpack:"jobId"`
	Data  orchestrator.BatchSummary `msgpack:"data"`
}

// Error details sent with sync_error so clients can react without parsing
// messages.
const (
	detailNotFound    = "not_found"
	detailInvalid     = "invalid_argument"
	detailParse       = "parse_error"
	detailRateLimited = "rate_limited"
	detailUnknownKind = "unknown_kind"
	detailInternal    = "internal"
)

// errRateLimited is returned for runQuery requests over the client's rate.
var errRateLimited = errors.New("too many queries, try again later")

// errUnknownKind is returned for a sync_request whose kind has no handler.
var errUnknownKind = errors.New("unknown request kind")

func errorDetails(err error) string {
	var pe *querylang.ParseError
	switch {
	case errors.As(err, &pe):
		return detailParse
	case errors.Is(err, errRateLimited):
		return detailRateLimited
	case errors.Is(err, errUnknownKind):
		return detailUnknownKind
	case errors.Is(err, orchestrator.ErrTaskNotFound),
		errors.Is(err, orchestrator.ErrUnknownInstance),
		errors.Is(err, orchestrator.ErrUnknownProfile):
		return detailNotFound
	case errors.Is(err, orchestrator.ErrInvalidArgument),
		errors.Is(err, orchestrator.ErrNoInstances),
		errors.Is(err, errBadPayload):
		return detailInvalid
	}
	return detailInternal
}

func syncResponse(uuid string, payload any) outMessage {
	return outMessage{Type: msgSyncResponse, UUID: uuid, Payload: payload}
}

func syncError(uuid string, err error) outMessage {
	return outMessage{
		Type:    msgSyncError,
		UUID:    uuid,
		Payload: errorPayload{Error: err.Error(), Details: errorDetails(err)},
	}
}

// errBadPayload wraps payload decoding failures.
var errBadPayload = errors.New("malformed payload")

// decodePayload decodes raw into a T. An absent payload yields the zero T.
func decodePayload[T any](raw msgpack.RawMessage) (T, error) {
	var v T
	if len(raw) == 0 {
		return v, nil
	}
	if err := msgpack.Unmarshal(raw, &v); err != nil {
		return v, fmt.Errorf("%w: %w", errBadPayload, err)
	}
	return v, nil
}
