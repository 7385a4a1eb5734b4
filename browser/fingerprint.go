package browser

import "math/rand"

// Fingerprint is the client identity presented by one browser context.
type Fingerprint struct {
	UserAgent string
	Width     int
	Height    int
}

const (
	minWidth, maxWidth   = 1280, 1920
	minHeight, maxHeight = 720, 1080
)

// PickFingerprint chooses a user agent and a desktop-sized viewport.
func PickFingerprint(rng *rand.Rand, agents []string) Fingerprint {
	fp := Fingerprint{
		Width:  minWidth + rng.Intn(maxWidth-minWidth+1),
		Height: minHeight + rng.Intn(maxHeight-minHeight+1),
	}
	if len(agents) > 0 {
		fp.UserAgent = agents[rng.Intn(len(agents))]
	}
	return fp
}
