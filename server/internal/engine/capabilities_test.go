package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCapabilitiesMatch(t *testing.T) {
	caps := DefaultCapabilities()

	got, ok := caps.Match(Codec{Kind: "video", MimeType: "video/vp8", ClockRate: 90000})
	require.True(t, ok)
	assert.EqualValues(t, 96, got.PayloadType)

	_, ok = caps.Match(Codec{Kind: "video", MimeType: "video/AV1", ClockRate: 90000})
	assert.False(t, ok)

	_, ok = caps.Match(Codec{Kind: "audio", MimeType: "audio/opus", ClockRate: 48000, Channels: 1})
	assert.False(t, ok, "channel mismatch")
}

func TestCanConsume(t *testing.T) {
	router := DefaultCapabilities()
	vp8 := Codec{Kind: "video", MimeType: webrtc.MimeTypeVP8, ClockRate: 90000, PayloadType: 120}

	onlyH264 := Capabilities{Codecs: []Codec{{Kind: "video", MimeType: webrtc.MimeTypeH264, ClockRate: 90000}}}
	_, ok := router.CanConsume(vp8, onlyH264)
	assert.False(t, ok)

	out, ok := router.CanConsume(vp8, router)
	require.True(t, ok)
	assert.EqualValues(t, 96, out.PayloadType, "router payload type wins")
}

func TestCodecConversions(t *testing.T) {
	opus := DefaultCapabilities().Codecs[0]
	assert.Equal(t, webrtc.RTPCodecTypeAudio, opus.Type())
	p := opus.Parameters()
	assert.Equal(t, webrtc.PayloadType(111), p.PayloadType)
	assert.Equal(t, uint16(2), p.Channels)
}

func TestRunWithContext(t *testing.T) {
	err := runWithContext(context.Background(), func() error { return errors.New("boom") }, nil)
	require.EqualError(t, err, "boom")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	release := make(chan struct{})
	aborted := false
	err = runWithContext(ctx, func() error {
		<-release
		return nil
	}, func() error {
		aborted = true
		close(release)
		return nil
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, aborted)
}
