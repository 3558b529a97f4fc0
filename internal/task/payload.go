package task

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrValidation rejects malformed task payloads at creation. Nothing is
// stored on this path.
var ErrValidation = errors.New("invalid task payload")

// Type enumerates the work a room controller can execute.
type Type string

const (
	TypeUnlock Type = "unlock"
	TypeLock   Type = "lock"
	TypeAlarm  Type = "alarm"
)

// Payload is the type-specific argument set of a task. Each task type has
// its own variant with a validated field set.
type Payload interface {
	Type() Type
	validate() error
}

// UnlockPayload opens the room's door, optionally holding it open.
type UnlockPayload struct {
	HoldOpenSeconds int `json:"holdOpenSeconds"`
}

func (UnlockPayload) Type() Type { return TypeUnlock }

func (p UnlockPayload) validate() error {
	if p.HoldOpenSeconds < 0 {
		return fmt.Errorf("%w: holdOpenSeconds must not be negative", ErrValidation)
	}
	return nil
}

// LockPayload locks the room's door. No arguments.
type LockPayload struct{}

func (LockPayload) Type() Type      { return TypeLock }
func (LockPayload) validate() error { return nil }

// AlarmPayload triggers the room's alarm.
type AlarmPayload struct {
	Reason string `json:"reason"`
}

func (AlarmPayload) Type() Type { return TypeAlarm }

func (p AlarmPayload) validate() error {
	if strings.TrimSpace(p.Reason) == "" {
		return fmt.Errorf("%w: alarm requires a reason", ErrValidation)
	}
	return nil
}

// DecodePayload parses raw JSON arguments for the given task type.
// Unrecognized keys are ignored; missing required keys and wrong value
// types are rejected.
func DecodePayload(typ Type, raw json.RawMessage) (Payload, error) {
	if len(raw) == 0 {
		raw = json.RawMessage(`{}`)
	}

	switch typ {
	case TypeUnlock:
		var p UnlockPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrValidation, err)
		}
		if err := p.validate(); err != nil {
			return nil, err
		}
		return p, nil
	case TypeLock:
		var p LockPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrValidation, err)
		}
		if err := p.validate(); err != nil {
			return nil, err
		}
		return p, nil
	case TypeAlarm:
		var p AlarmPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrValidation, err)
		}
		if err := p.validate(); err != nil {
			return nil, err
		}
		return p, nil
	default:
		return nil, fmt.Errorf("%w: unknown task type %q", ErrValidation, typ)
	}
}

// EncodePayload serializes a payload for storage.
func EncodePayload(p Payload) ([]byte, error) {
	return json.Marshal(p)
}
