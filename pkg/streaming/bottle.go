package streaming

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Bottle is a loosely typed list used as rpc request and reply body,
// e.g. ["get3D", 160, 120] or ["ack", 0.1, -0.05, 1.5].
type Bottle []any

// Nack is the negative acknowledgement reply.
func Nack() Bottle {
	return Bottle{TagNack}
}

// ParseRequest splits a raw bottle into its command tag and stringified
// arguments. An empty bottle yields an empty command.
func ParseRequest(raw json.RawMessage) (string, []string, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return "", nil, fmt.Errorf("request is not a list: %w", err)
	}
	if len(items) == 0 {
		return "", nil, nil
	}
	var cmd string
	if err := json.Unmarshal(items[0], &cmd); err != nil {
		return "", nil, fmt.Errorf("request tag is not a string: %w", err)
	}
	args := make([]string, 0, len(items)-1)
	for _, it := range items[1:] {
		var s string
		if err := json.Unmarshal(it, &s); err == nil {
			args = append(args, s)
			continue
		}
		args = append(args, string(it))
	}
	return cmd, args, nil
}

// Reply is a decoded rpc reply.
type Reply []json.RawMessage

// ParseReply decodes a raw reply bottle.
func ParseReply(raw json.RawMessage) (Reply, error) {
	var r Reply
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("reply is not a list: %w", err)
	}
	return r, nil
}

// Len returns the number of elements.
func (r Reply) Len() int { return len(r) }

// String returns element i as a string.
func (r Reply) String(i int) (string, error) {
	if i >= len(r) {
		return "", fmt.Errorf("reply has no element %d", i)
	}
	var s string
	if err := json.Unmarshal(r[i], &s); err != nil {
		return "", fmt.Errorf("reply element %d: %w", i, err)
	}
	return s, nil
}

// Int returns element i as an int.
func (r Reply) Int(i int) (int, error) {
	f, err := r.Float(i)
	if err != nil {
		return 0, err
	}
	return int(f), nil
}

// Float returns element i as a float64. Numeric strings are accepted.
func (r Reply) Float(i int) (float64, error) {
	if i >= len(r) {
		return 0, fmt.Errorf("reply has no element %d", i)
	}
	var f float64
	if err := json.Unmarshal(r[i], &f); err == nil {
		return f, nil
	}
	var s string
	if err := json.Unmarshal(r[i], &s); err != nil {
		return 0, fmt.Errorf("reply element %d is not a number", i)
	}
	return strconv.ParseFloat(s, 64)
}

// Acked reports whether the first element is the ack tag.
func (r Reply) Acked() bool {
	s, err := r.String(0)
	return err == nil && s == TagAck
}
