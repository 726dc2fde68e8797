package abi

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// FailureKind classifies why a log could not be decoded
type FailureKind string

const (
	FailureNoTopics        FailureKind = "no_topics"
	FailureUnknownEvent    FailureKind = "unknown_event"
	FailureTruncatedTopics FailureKind = "truncated_topics"
	FailureBadData         FailureKind = "bad_data"
)

// Decode failure sentinels, matched with errors.Is against a *DecodeError
var (
	ErrNoTopics        = errors.New("log has no topics")
	ErrUnknownEvent    = errors.New("unknown event topic")
	ErrTruncatedTopics = errors.New("fewer topics than indexed parameters")
	ErrBadData         = errors.New("malformed log data")
)

var kindSentinels = map[FailureKind]error{
	FailureNoTopics:        ErrNoTopics,
	FailureUnknownEvent:    ErrUnknownEvent,
	FailureTruncatedTopics: ErrTruncatedTopics,
	FailureBadData:         ErrBadData,
}

// DecodeError is returned for every log the decoder rejects
type DecodeError struct {
	Kind  FailureKind
	Event string
	Topic common.Hash
	Err   error
}

func (e *DecodeError) Error() string {
	msg := kindSentinels[e.Kind].Error()
	if e.Event != "" {
		msg = fmt.Sprintf("%s: %s", e.Event, msg)
	} else if e.Kind == FailureUnknownEvent {
		msg = fmt.Sprintf("%s %s", msg, e.Topic.Hex())
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Is reports whether target is the sentinel of this failure kind
func (e *DecodeError) Is(target error) bool {
	return kindSentinels[e.Kind] == target
}

// FailureKindOf returns the failure kind of a decode error, or "" if err is not one
func FailureKindOf(err error) FailureKind {
	var de *DecodeError
	if errors.As(err, &de) {
		return de.Kind
	}
	return ""
}
