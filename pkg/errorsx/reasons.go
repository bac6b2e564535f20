package errorsx

// ReasonCode is a short machine-readable error reason.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"

	ReasonNoAudio             ReasonCode = "no_audio"
	ReasonTranscode           ReasonCode = "transcode"
	ReasonNoSpeech            ReasonCode = "no_speech"
	ReasonTranscriptionFailed ReasonCode = "transcription_failed"
	ReasonAssistant           ReasonCode = "assistant_unavailable"
	ReasonSynthesis           ReasonCode = "synthesis_unavailable"
	ReasonSynthesisRateLimit  ReasonCode = "synthesis_rate_limit"
	ReasonInternal            ReasonCode = "internal"

	ReasonTransportSend   ReasonCode = "transport_send"
	ReasonTransportDecode ReasonCode = "transport_decode"
	ReasonUpstreamConnect ReasonCode = "upstream_connect"
	ReasonUpstreamSignal  ReasonCode = "upstream_signal"
)

// clientMessages holds the human-readable summary a client receives for a
// request that ended with the given reason.
var clientMessages = map[ReasonCode]string{
	ReasonNoAudio:             "No audio data",
	ReasonTranscode:           "Transcription failed",
	ReasonNoSpeech:            "No speech detected in audio.",
	ReasonTranscriptionFailed: "Transcription failed",
	ReasonAssistant:           "LLM failed",
	ReasonInternal:            "Internal server error",
}

// ClientMessage returns the user-facing summary for reason.
func ClientMessage(reason ReasonCode) string {
	if msg, ok := clientMessages[reason]; ok {
		return msg
	}
	return clientMessages[ReasonInternal]
}

// Fatal reports whether a reason ends the request it occurred in.
func Fatal(reason ReasonCode) bool {
	switch reason {
	case ReasonSynthesis, ReasonSynthesisRateLimit:
		return false
	default:
		return true
	}
}
