package bridge

// Carrier media-stream frames. The carrier speaks JSON over the WebSocket:
// a "connected" greeting, one "start" with call correlation data, then
// "media" frames both ways until "stop".
type carrierFrame struct {
	Event     string `json:"event"`
	StreamSID string `json:"streamSid,omitempty"`

	Start *struct {
		StreamSID        string            `json:"streamSid"`
		CallSID          string            `json:"callSid"`
		CustomParameters map[string]string `json:"customParameters"`
		MediaFormat      *struct {
			Encoding   string `json:"encoding"`
			SampleRate int    `json:"sampleRate"`
		} `json:"mediaFormat"`
	} `json:"start,omitempty"`

	Media *struct {
		Payload string `json:"payload"`
	} `json:"media,omitempty"`

	Stop *struct {
		CallSID string `json:"callSid"`
	} `json:"stop,omitempty"`
}

// outboundMedia is an audio frame sent back to the carrier.
type outboundMedia struct {
	Event     string       `json:"event"`
	StreamSID string       `json:"streamSid"`
	Media     mediaPayload `json:"media"`
}

type mediaPayload struct {
	Payload string `json:"payload"`
}

// clearFrame tells the carrier to flush buffered audio after a barge-in.
type clearFrame struct {
	Event     string `json:"event"`
	StreamSID string `json:"streamSid"`
}
