package engine

import (
	"strings"

	"github.com/pion/webrtc/v3"
)

// Codec is one entry of a capability list.
type Codec struct {
	Kind        string `json:"kind"`
	MimeType    string `json:"mimeType"`
	ClockRate   uint32 `json:"clockRate"`
	Channels    uint16 `json:"channels,omitempty"`
	PayloadType uint8  `json:"preferredPayloadType"`
	SDPFmtpLine string `json:"sdpFmtpLine,omitempty"`
}

// Type is the pion codec type for c.Kind.
func (c Codec) Type() webrtc.RTPCodecType {
	return webrtc.NewRTPCodecType(c.Kind)
}

// Parameters converts c for registration with a pion media engine.
func (c Codec) Parameters() webrtc.RTPCodecParameters {
	return webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:    c.MimeType,
			ClockRate:   c.ClockRate,
			Channels:    c.Channels,
			SDPFmtpLine: c.SDPFmtpLine,
		},
		PayloadType: webrtc.PayloadType(c.PayloadType),
	}
}

// compatible compares mime type, clock rate and, for audio, channels.
func (c Codec) compatible(o Codec) bool {
	if !strings.EqualFold(c.MimeType, o.MimeType) || c.ClockRate != o.ClockRate {
		return false
	}
	if c.Kind == "audio" && c.Channels != 0 && o.Channels != 0 && c.Channels != o.Channels {
		return false
	}
	return true
}

// Capabilities is the codec set a router offers or a receiver accepts.
type Capabilities struct {
	Codecs []Codec `json:"codecs"`
}

// DefaultCapabilities mirrors the codecs pion registers by default for
// browsers: Opus, VP8 and H264 constrained baseline.
func DefaultCapabilities() Capabilities {
	return Capabilities{Codecs: []Codec{
		{Kind: "audio", MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2, PayloadType: 111, SDPFmtpLine: "minptime=10;useinbandfec=1"},
		{Kind: "video", MimeType: webrtc.MimeTypeVP8, ClockRate: 90000, PayloadType: 96},
		{Kind: "video", MimeType: webrtc.MimeTypeH264, ClockRate: 90000, PayloadType: 102, SDPFmtpLine: "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f"},
	}}
}

// Match returns the entry of c compatible with codec.
func (c Capabilities) Match(codec Codec) (Codec, bool) {
	for _, own := range c.Codecs {
		if own.Kind == codec.Kind && own.compatible(codec) {
			return own, true
		}
	}
	return Codec{}, false
}

// CanConsume reports whether a receiver with capabilities recv can decode a
// stream produced with codec, given the router capabilities c. The returned
// codec is the router's entry to use for the outgoing stream.
func (c Capabilities) CanConsume(codec Codec, recv Capabilities) (Codec, bool) {
	own, ok := c.Match(codec)
	if !ok {
		return Codec{}, false
	}
	if _, ok := recv.Match(own); !ok {
		return Codec{}, false
	}
	return own, true
}
