// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package bridge

// CarrierMessage is the untyped envelope for messages received from the
// carrier media stream. Only the fields relevant to the current Event are
// populated; unrecognized events fall into a catch-all bucket and are
// logged at debug without mutating session state.
//
// Shape grounded on Twilio Media Streams' start/media/stop/mark/clear
// envelope (see other_examples/agentplexus-omnivoice-twilio and
// other_examples/kidandcat-minerva__voice.go's twilioStreamMsg).
type CarrierMessage struct {
	Event          string                 `json:"event"`
	SequenceNumber string                 `json:"sequenceNumber,omitempty"`
	StreamSID      string                 `json:"streamSid,omitempty"`
	Start          *CarrierStart          `json:"start,omitempty"`
	Media          *CarrierMedia          `json:"media,omitempty"`
	Stop           *CarrierStop           `json:"stop,omitempty"`
	Mark           *CarrierMark           `json:"mark,omitempty"`
}

// CarrierStart is the payload of a carrier "start" event, marking the
// beginning of the bidirectional media stream for one call leg.
type CarrierStart struct {
	StreamSID        string            `json:"streamSid"`
	AccountSID       string            `json:"accountSid,omitempty"`
	CallSID          string            `json:"callSid"`
	Tracks           []string          `json:"tracks,omitempty"`
	CustomParameters map[string]string `json:"customParameters,omitempty"`
	MediaFormat      CarrierMediaFormat `json:"mediaFormat,omitempty"`
}

// CarrierMediaFormat describes the native audio format the carrier will
// use for media frames — PCMU 8kHz throughout this system.
type CarrierMediaFormat struct {
	Encoding   string `json:"encoding,omitempty"`
	SampleRate int    `json:"sampleRate,omitempty"`
	Channels   int    `json:"channels,omitempty"`
}

// CarrierMedia is a single base64-encoded PCMU audio frame.
type CarrierMedia struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

// CarrierStop signals the end of the media stream.
type CarrierStop struct {
	AccountSID string `json:"accountSid,omitempty"`
	CallSID    string `json:"callSid"`
	Reason     string `json:"reason,omitempty"`
}

// CarrierMark acknowledges a previously sent "mark" control frame; not
// otherwise consumed by this bridge.
type CarrierMark struct {
	Name string `json:"name,omitempty"`
}

// outbound carrier control/media frames this bridge sends.

// carrierMediaOut forwards a model-generated audio frame to the carrier.
type carrierMediaOut struct {
	Event     string             `json:"event"`
	StreamSID string             `json:"streamSid"`
	Media     carrierMediaOutPayload `json:"media"`
}

type carrierMediaOutPayload struct {
	Payload string `json:"payload"`
}

// carrierClearOut tells the carrier to discard any queued outbound audio
// frames — the first step of barge-in.
type carrierClearOut struct {
	Event     string `json:"event"`
	StreamSID string `json:"streamSid"`
}
