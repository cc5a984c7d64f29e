package transport

import "github.com/m2osw/cluckd/internal/wire"

// envelope is the wire-level frame exchanged over the Exchange stream: a
// command name, its parameters, and the sender's source string. It exists
// purely so jsonCodec has a concrete type to marshal/unmarshal (grpc's
// streaming machinery needs *something* to hand the codec); wire.Message
// itself is kept codec-agnostic.
type envelope struct {
	Command string            `json:"command"`
	Params  map[string]string `json:"params"`
	Source  string            `json:"source"`
}

func toEnvelope(m wire.Message) *envelope {
	return &envelope{Command: string(m.Command), Params: m.Params, Source: m.Source}
}

func fromEnvelope(e *envelope) wire.Message {
	params := e.Params
	if params == nil {
		params = make(map[string]string)
	}
	return wire.Message{Command: wire.Command(e.Command), Params: params, Source: e.Source}
}
