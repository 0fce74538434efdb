// Package message defines the envelope exchanged between hub peers.
//
// HubMessage gets serialized by the codec layer and wrapped in a protocol frame
// for transmission. Arguments and the result are encoded one value at a time,
// so the receiver can decode each position straight into the type it expects
// instead of into a generic map.
package message

// HubMessage carries one invocation or its completion.
//
//   - Invocation: Target is the method or message name, Arguments holds one
//     codec-encoded value per position.
//   - Completion: Result holds the codec-encoded return value, Error is
//     non-empty if the remote handler failed.
type HubMessage struct {
	Target    string   `json:"target,omitempty"`
	Arguments [][]byte `json:"arguments,omitempty"`
	Result    []byte   `json:"result,omitempty"`
	Error     string   `json:"error,omitempty"`
}

// Failed reports whether the message is a failed completion.
func (m *HubMessage) Failed() bool {
	return m.Error != ""
}
