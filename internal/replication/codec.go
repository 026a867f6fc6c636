package replication

import (
	"errors"
	"fmt"

	jsoniter "github.com/json-iterator/go"
)

var wire = jsoniter.ConfigCompatibleWithStandardLibrary

var ErrMalformed = errors.New("malformed replication envelope")

func Encode(env Envelope) ([]byte, error) {
	return wire.Marshal(env)
}

func Decode(b []byte) (Envelope, error) {
	var env Envelope
	if err := wire.Unmarshal(b, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	switch env.Kind {
	case KindTaskChange:
		if env.TaskChange == nil {
			return Envelope{}, fmt.Errorf("%w: missing task_change", ErrMalformed)
		}
	case KindActivityChange:
		if env.ActivityChange == nil {
			return Envelope{}, fmt.Errorf("%w: missing activity_change", ErrMalformed)
		}
	case KindSnapshot:
		if env.Snapshot == nil {
			return Envelope{}, fmt.Errorf("%w: missing snapshot", ErrMalformed)
		}
	default:
		return Envelope{}, fmt.Errorf("%w: kind %q", ErrMalformed, env.Kind)
	}
	return env, nil
}
