// Copyright 2024-2026 Aiku AI

package platform

// ReplyKind classifies a bridge bot message.
type ReplyKind int

const (
	ReplyNone ReplyKind = iota
	ReplyQR
	ReplySuccess
	ReplyFailure
)

func (k ReplyKind) String() string {
	switch k {
	case ReplyQR:
		return "qr"
	case ReplySuccess:
		return "success"
	case ReplyFailure:
		return "failure"
	default:
		return "none"
	}
}

// Reply is the result of classifying a message body.
type Reply struct {
	Kind ReplyKind
	// Payload is the QR frame contents for ReplyQR and the raw body for
	// ReplyFailure.
	Payload string
}

// Classify matches body against the bridge's reply grammar. QR frames are
// checked before success and failure markers.
func (b *Bridge) Classify(body string) Reply {
	if b.qrFrame != nil {
		if m := b.qrFrame.FindStringSubmatch(body); m != nil {
			return Reply{Kind: ReplyQR, Payload: m[1]}
		}
	}
	if b.success.MatchString(body) {
		return Reply{Kind: ReplySuccess}
	}
	if b.failure != nil && b.failure.MatchString(body) {
		return Reply{Kind: ReplyFailure, Payload: body}
	}
	return Reply{Kind: ReplyNone}
}
