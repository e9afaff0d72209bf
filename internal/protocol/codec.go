package protocol

import (
	"errors"
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/ChuLiYu/calcnode/pkg/types"
)

// The encoding is protobuf wire format written by hand with protowire, so the
// bytes can be decoded by any protobuf runtime given the schema below.
//
//	message Envelope        { oneof role { Ready ready = 1; Execute execute = 2; Result result = 3; ConnectionState state = 4; } }
//	message Ready           { int32 capacity = 1; string node_id = 2; repeated string functions = 3; }
//	message Execute         { JobSpec spec = 1; repeated JobItem items = 2; }
//	message Result          { JobResult result = 1; Ready ready = 2; }
//	message ConnectionState { uint32 state = 1; string cause = 2; }
//	message JobSpec         { string view_process_id = 1; int64 cycle_id = 2; int64 job_id = 3; }
//	message ValueSpec       { string value_name = 1; string target_id = 2; string properties = 3; }
//	message JobItem         { string target_id = 1; string function_id = 2; repeated ValueSpec inputs = 3; repeated ValueSpec outputs = 4; }
//	message JobResult       { JobSpec spec = 1; int64 duration_nanos = 2; repeated ResultItem items = 3; string node_id = 4; }
//	message ResultItem      { uint32 status = 1; repeated ComputedValue values = 2; string diagnostic = 3; }
//	message ComputedValue   { ValueSpec spec = 1; bytes value = 2; }

var (
	// ErrUnknownMessage is returned for envelopes that carry no known role.
	ErrUnknownMessage = errors.New("protocol: unknown message role")
	// ErrMalformed wraps every decoding failure.
	ErrMalformed = errors.New("protocol: malformed message")
	// ErrUnknownStatus is returned by Encode for an item status with no wire value.
	ErrUnknownStatus = errors.New("protocol: unknown item status")
)

// IsViolation reports whether err came from bytes that arrived whole but do
// not form a valid message. The link that carried them is still usable.
func IsViolation(err error) bool {
	return errors.Is(err, ErrMalformed) || errors.Is(err, ErrUnknownMessage)
}

// MaxMessageBytes bounds a single encoded message.
const MaxMessageBytes = 16 * 1024 * 1024

// Encode serializes msg.
func Encode(msg Message) ([]byte, error) {
	var b []byte
	switch m := msg.(type) {
	case *Ready:
		b = appendMessage(b, 1, appendReady(nil, m))
	case *Execute:
		b = appendMessage(b, 2, appendExecute(nil, m))
	case *Result:
		for i := range m.Result.Items {
			if _, ok := encodeStatus(m.Result.Items[i].Status); !ok {
				return nil, fmt.Errorf("%w: item %d has status %q", ErrUnknownStatus, i, m.Result.Items[i].Status)
			}
		}
		b = appendMessage(b, 3, appendResult(nil, m))
	case *ConnectionState:
		b = appendMessage(b, 4, appendConnectionState(nil, m))
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownMessage, msg)
	}
	if len(b) > MaxMessageBytes {
		return nil, fmt.Errorf("protocol: message too large: %d bytes", len(b))
	}
	return b, nil
}

// Decode parses one envelope produced by Encode.
func Decode(b []byte) (Message, error) {
	if len(b) > MaxMessageBytes {
		return nil, fmt.Errorf("%w: %d bytes exceeds limit", ErrMalformed, len(b))
	}
	var msg Message
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num < 1 || num > 4 {
			return 0, nil
		}
		body, n, err := consumeMessage(typ, b)
		if err != nil {
			return 0, err
		}
		if msg != nil {
			return 0, fmt.Errorf("%w: envelope carries more than one role", ErrMalformed)
		}
		switch num {
		case 1:
			msg, err = decodeReady(body)
		case 2:
			msg, err = decodeExecute(body)
		case 3:
			msg, err = decodeResult(body)
		case 4:
			msg, err = decodeConnectionState(body)
		}
		return n, err
	})
	if err != nil {
		return nil, err
	}
	if msg == nil {
		return nil, ErrUnknownMessage
	}
	return msg, nil
}

// ----------------------------------------------------------------------------
// encoding
// ----------------------------------------------------------------------------

func appendMessage(b []byte, num protowire.Number, body []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, body)
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendReady(b []byte, r *Ready) []byte {
	b = appendVarint(b, 1, uint64(int64(r.Capacity)))
	b = appendString(b, 2, r.NodeID)
	for _, fn := range r.Functions {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendString(b, fn)
	}
	return b
}

func appendExecute(b []byte, e *Execute) []byte {
	b = appendMessage(b, 1, appendSpec(nil, e.Job.Spec))
	for i := range e.Job.Items {
		b = appendMessage(b, 2, appendItem(nil, &e.Job.Items[i]))
	}
	return b
}

func appendResult(b []byte, r *Result) []byte {
	b = appendMessage(b, 1, appendJobResult(nil, &r.Result))
	if r.Ready != nil {
		b = appendMessage(b, 2, appendReady(nil, r.Ready))
	}
	return b
}

func appendConnectionState(b []byte, s *ConnectionState) []byte {
	b = appendVarint(b, 1, uint64(s.State))
	return appendString(b, 2, s.Cause)
}

func appendSpec(b []byte, s types.JobSpecification) []byte {
	b = appendString(b, 1, s.ViewProcessID)
	b = appendVarint(b, 2, uint64(s.CycleID))
	return appendVarint(b, 3, uint64(s.JobID))
}

func appendValueSpec(b []byte, v *types.ValueSpecification) []byte {
	b = appendString(b, 1, v.ValueName)
	b = appendString(b, 2, v.TargetID)
	return appendString(b, 3, v.Properties)
}

func appendItem(b []byte, it *types.JobItem) []byte {
	b = appendString(b, 1, it.TargetID)
	b = appendString(b, 2, it.FunctionID)
	for i := range it.Inputs {
		b = appendMessage(b, 3, appendValueSpec(nil, &it.Inputs[i]))
	}
	for i := range it.DesiredOutputs {
		b = appendMessage(b, 4, appendValueSpec(nil, &it.DesiredOutputs[i]))
	}
	return b
}

func appendJobResult(b []byte, r *types.JobResult) []byte {
	b = appendMessage(b, 1, appendSpec(nil, r.Spec))
	b = appendVarint(b, 2, uint64(r.Duration.Nanoseconds()))
	for i := range r.Items {
		b = appendMessage(b, 3, appendResultItem(nil, &r.Items[i]))
	}
	return appendString(b, 4, r.NodeID)
}

func appendResultItem(b []byte, it *types.JobResultItem) []byte {
	status, _ := encodeStatus(it.Status)
	b = appendVarint(b, 1, uint64(status))
	for i := range it.Values {
		v := &it.Values[i]
		body := appendMessage(nil, 1, appendValueSpec(nil, &v.Spec))
		if len(v.Value) > 0 {
			body = protowire.AppendTag(body, 2, protowire.BytesType)
			body = protowire.AppendBytes(body, v.Value)
		}
		b = appendMessage(b, 2, body)
	}
	return appendString(b, 3, it.Diagnostic)
}

func encodeStatus(s types.ItemStatus) (uint32, bool) {
	switch s {
	case types.ItemSuccess:
		return 1, true
	case types.ItemFailure:
		return 2, true
	case types.ItemSuppressed:
		return 3, true
	default:
		return 0, false
	}
}

// ----------------------------------------------------------------------------
// decoding
// ----------------------------------------------------------------------------

// walk iterates the fields of b. fn returns the number of bytes it consumed for
// a field, or 0 to have the field skipped as unknown.
func walk(b []byte, fn func(num protowire.Number, typ protowire.Type, b []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]
		m, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		if m == 0 {
			m = protowire.ConsumeFieldValue(num, typ, b)
		}
		if m < 0 {
			return fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(m))
		}
		b = b[m:]
	}
	return nil
}

func wireType(num protowire.Number, got, want protowire.Type) error {
	if got != want {
		return fmt.Errorf("%w: field %d has wire type %d, want %d", ErrMalformed, num, got, want)
	}
	return nil
}

func consumeMessage(typ protowire.Type, b []byte) ([]byte, int, error) {
	if typ != protowire.BytesType {
		return nil, 0, fmt.Errorf("%w: embedded message has wire type %d", ErrMalformed, typ)
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, 0, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
	}
	return v, n, nil
}

func consumeString(num protowire.Number, typ protowire.Type, b []byte) (string, int, error) {
	if err := wireType(num, typ, protowire.BytesType); err != nil {
		return "", 0, err
	}
	v, n := protowire.ConsumeString(b)
	if n < 0 {
		return "", 0, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
	}
	return v, n, nil
}

func consumeVarint(num protowire.Number, typ protowire.Type, b []byte) (uint64, int, error) {
	if err := wireType(num, typ, protowire.VarintType); err != nil {
		return 0, 0, err
	}
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, 0, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
	}
	return v, n, nil
}

func decodeReady(b []byte) (*Ready, error) {
	r := &Ready{}
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeVarint(num, typ, b)
			r.Capacity = int32(int64(v))
			return n, err
		case 2:
			v, n, err := consumeString(num, typ, b)
			r.NodeID = v
			return n, err
		case 3:
			v, n, err := consumeString(num, typ, b)
			r.Functions = append(r.Functions, v)
			return n, err
		}
		return 0, nil
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

func decodeExecute(b []byte) (*Execute, error) {
	e := &Execute{}
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			body, n, err := consumeMessage(typ, b)
			if err != nil {
				return 0, err
			}
			e.Job.Spec, err = decodeSpec(body)
			return n, err
		case 2:
			body, n, err := consumeMessage(typ, b)
			if err != nil {
				return 0, err
			}
			item, err := decodeItem(body)
			e.Job.Items = append(e.Job.Items, item)
			return n, err
		}
		return 0, nil
	})
	if err != nil {
		return nil, err
	}
	return e, nil
}

func decodeResult(b []byte) (*Result, error) {
	r := &Result{}
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			body, n, err := consumeMessage(typ, b)
			if err != nil {
				return 0, err
			}
			return n, decodeJobResult(body, &r.Result)
		case 2:
			body, n, err := consumeMessage(typ, b)
			if err != nil {
				return 0, err
			}
			r.Ready, err = decodeReady(body)
			return n, err
		}
		return 0, nil
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

func decodeConnectionState(b []byte) (*ConnectionState, error) {
	s := &ConnectionState{}
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeVarint(num, typ, b)
			s.State = State(v)
			return n, err
		case 2:
			v, n, err := consumeString(num, typ, b)
			s.Cause = v
			return n, err
		}
		return 0, nil
	})
	if err != nil {
		return nil, err
	}
	if s.State != StateFailed && s.State != StateReset {
		return nil, fmt.Errorf("%w: unknown connection state %d", ErrMalformed, s.State)
	}
	return s, nil
}

func decodeSpec(b []byte) (types.JobSpecification, error) {
	var s types.JobSpecification
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeString(num, typ, b)
			s.ViewProcessID = v
			return n, err
		case 2:
			v, n, err := consumeVarint(num, typ, b)
			s.CycleID = int64(v)
			return n, err
		case 3:
			v, n, err := consumeVarint(num, typ, b)
			s.JobID = int64(v)
			return n, err
		}
		return 0, nil
	})
	return s, err
}

func decodeValueSpec(b []byte) (types.ValueSpecification, error) {
	var v types.ValueSpecification
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1, 2, 3:
			s, n, err := consumeString(num, typ, b)
			switch num {
			case 1:
				v.ValueName = s
			case 2:
				v.TargetID = s
			case 3:
				v.Properties = s
			}
			return n, err
		}
		return 0, nil
	})
	return v, err
}

func decodeItem(b []byte) (types.JobItem, error) {
	var it types.JobItem
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeString(num, typ, b)
			it.TargetID = v
			return n, err
		case 2:
			v, n, err := consumeString(num, typ, b)
			it.FunctionID = v
			return n, err
		case 3, 4:
			body, n, err := consumeMessage(typ, b)
			if err != nil {
				return 0, err
			}
			vs, err := decodeValueSpec(body)
			if num == 3 {
				it.Inputs = append(it.Inputs, vs)
			} else {
				it.DesiredOutputs = append(it.DesiredOutputs, vs)
			}
			return n, err
		}
		return 0, nil
	})
	return it, err
}

func decodeJobResult(b []byte, r *types.JobResult) error {
	return walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			body, n, err := consumeMessage(typ, b)
			if err != nil {
				return 0, err
			}
			r.Spec, err = decodeSpec(body)
			return n, err
		case 2:
			v, n, err := consumeVarint(num, typ, b)
			r.Duration = time.Duration(int64(v))
			return n, err
		case 3:
			body, n, err := consumeMessage(typ, b)
			if err != nil {
				return 0, err
			}
			item, err := decodeResultItem(body)
			r.Items = append(r.Items, item)
			return n, err
		case 4:
			v, n, err := consumeString(num, typ, b)
			r.NodeID = v
			return n, err
		}
		return 0, nil
	})
}

func decodeResultItem(b []byte) (types.JobResultItem, error) {
	var it types.JobResultItem
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeVarint(num, typ, b)
			if err != nil {
				return 0, err
			}
			it.Status, err = decodeStatus(v)
			return n, err
		case 2:
			body, n, err := consumeMessage(typ, b)
			if err != nil {
				return 0, err
			}
			cv, err := decodeComputedValue(body)
			it.Values = append(it.Values, cv)
			return n, err
		case 3:
			v, n, err := consumeString(num, typ, b)
			it.Diagnostic = v
			return n, err
		}
		return 0, nil
	})
	if err == nil && it.Status == "" {
		err = fmt.Errorf("%w: result item has no status", ErrMalformed)
	}
	return it, err
}

func decodeComputedValue(b []byte) (types.ComputedValue, error) {
	var cv types.ComputedValue
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			body, n, err := consumeMessage(typ, b)
			if err != nil {
				return 0, err
			}
			cv.Spec, err = decodeValueSpec(body)
			return n, err
		case 2:
			body, n, err := consumeMessage(typ, b)
			if err != nil {
				return 0, err
			}
			cv.Value = append([]byte(nil), body...)
			return n, nil
		}
		return 0, nil
	})
	return cv, err
}

func decodeStatus(v uint64) (types.ItemStatus, error) {
	switch v {
	case 1:
		return types.ItemSuccess, nil
	case 2:
		return types.ItemFailure, nil
	case 3:
		return types.ItemSuppressed, nil
	default:
		return "", fmt.Errorf("%w: unknown item status %d", ErrMalformed, v)
	}
}
