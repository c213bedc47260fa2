// Package media acquires local capture devices for a session.
//
// A Source abstracts "whatever the session sends": a real camera and
// microphone via pion/mediadevices, or nothing at all for data-only
// sessions. Acquisition failures are reported as *AccessError with a
// human-readable cause, since they are the one client-side error that
// blocks every peer equally.
package media

import (
	"errors"
	"fmt"
	"strings"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/x264"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"

	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
)

// Source is what a session attaches to its peer connections.
type Source interface {
	// Tracks returns the local tracks to add to every PeerConnection.
	Tracks() []webrtc.TrackLocal
	// ConfigureEngine registers the source's codecs on the media engine
	// used to build the pion API. No-op for sources without media.
	ConfigureEngine(engine *webrtc.MediaEngine) error
	// Close releases the underlying devices.
	Close() error
}

// AccessError reports a failure to acquire camera or microphone access.
type AccessError struct {
	// Cause is a human-readable explanation suitable for the UI.
	Cause string
	Err   error
}

func (e *AccessError) Error() string {
	return fmt.Sprintf("media access denied: %s: %v", e.Cause, e.Err)
}

func (e *AccessError) Unwrap() error { return e.Err }

// Constraints selects what to capture. Width/Height of zero let the
// driver pick.
type Constraints struct {
	Audio  bool
	Video  bool
	Width  int
	Height int

	// VideoBitRate in bits per second; zero uses a conservative default.
	VideoBitRate int
}

// Capture opens the requested devices. At least one of Audio/Video must
// be set; use NullSource for data-only sessions.
func Capture(c Constraints) (Source, error) {
	if !c.Audio && !c.Video {
		return nil, errors.New("media: constraints select neither audio nor video")
	}

	x264Params, err := x264.NewParams()
	if err != nil {
		return nil, fmt.Errorf("init video encoder: %w", err)
	}
	x264Params.BitRate = c.VideoBitRate
	if x264Params.BitRate <= 0 {
		x264Params.BitRate = 500_000
	}
	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("init audio encoder: %w", err)
	}

	selector := mediadevices.NewCodecSelector(
		mediadevices.WithAudioEncoders(&opusParams),
		mediadevices.WithVideoEncoders(&x264Params),
	)

	constraints := mediadevices.MediaStreamConstraints{Codec: selector}
	if c.Video {
		constraints.Video = func(mtc *mediadevices.MediaTrackConstraints) {
			if c.Width > 0 {
				mtc.Width = prop.Int(c.Width)
			}
			if c.Height > 0 {
				mtc.Height = prop.Int(c.Height)
			}
		}
	}
	if c.Audio {
		constraints.Audio = func(mtc *mediadevices.MediaTrackConstraints) {}
	}

	stream, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		return nil, &AccessError{Cause: humanCause(err), Err: err}
	}

	return &captureSource{stream: stream, selector: selector}, nil
}

type captureSource struct {
	stream   mediadevices.MediaStream
	selector *mediadevices.CodecSelector
}

func (s *captureSource) Tracks() []webrtc.TrackLocal {
	tracks := s.stream.GetTracks()
	out := make([]webrtc.TrackLocal, 0, len(tracks))
	for _, t := range tracks {
		out = append(out, t)
	}
	return out
}

func (s *captureSource) ConfigureEngine(engine *webrtc.MediaEngine) error {
	s.selector.Populate(engine)
	return nil
}

func (s *captureSource) Close() error {
	var errs []error
	for _, t := range s.stream.GetTracks() {
		if err := t.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// humanCause maps driver errors onto the few situations a user can act
// on. Everything else passes through.
func humanCause(err error) string {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "permission denied"), strings.Contains(msg, "not permitted"):
		return "permission to use the capture device was denied"
	case strings.Contains(msg, "busy"), strings.Contains(msg, "in use"):
		return "the capture device is in use by another application"
	case strings.Contains(msg, "failed to find"), strings.Contains(msg, "no such"), strings.Contains(msg, "not found"):
		return "no matching capture device was found"
	default:
		return "the capture device could not be opened"
	}
}

// NullSource is a Source with no tracks, for data-only sessions.
type NullSource struct{}

func (NullSource) Tracks() []webrtc.TrackLocal               { return nil }
func (NullSource) ConfigureEngine(*webrtc.MediaEngine) error { return nil }
func (NullSource) Close() error                              { return nil }
