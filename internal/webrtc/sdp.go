package webrtc

import (
	"fmt"

	"github.com/pion/sdp/v3"
)

// HasAudioSection reports whether the SDP text describes at least one
// audio media section that is not rejected (port 0).
func HasAudioSection(raw string) (bool, error) {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal([]byte(raw)); err != nil {
		return false, fmt.Errorf("failed to parse SDP: %w", err)
	}
	for _, m := range desc.MediaDescriptions {
		if m.MediaName.Media == "audio" && m.MediaName.Port.Value != 0 {
			return true, nil
		}
	}
	return false, nil
}
