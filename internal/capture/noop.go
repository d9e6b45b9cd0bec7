package capture

import (
	"context"

	"github.com/tududes/websophon/internal/sophon"
)

// Noop is a capture provider that returns an empty session. Used when
// headless capture is disabled; the remote runner then captures with
// its own defaults.
type Noop struct {
	Viewport sophon.Viewport
}

// Capture returns an empty screenshot and a minimal session.
func (n Noop) Capture(context.Context, string) (sophon.CaptureResult, error) {
	vp := n.Viewport
	if vp.Width <= 0 || vp.Height <= 0 {
		vp = sophon.Viewport{Width: 1280, Height: 800}
	}
	return sophon.CaptureResult{Session: sophon.SessionData{Viewport: vp}}, nil
}
