package packet

import (
	"errors"
	"io"

	"github.com/antonioclim/netENwsl-sub003/capture"
)

// WalkStats counts what a Walk saw.
type WalkStats struct {
	Frames  int
	Decoded int
	Skipped int
}

// Walk decodes every frame of r in capture order and calls fn for each one
// that decodes. Frames that cannot be decoded are counted and skipped.
func Walk(r *capture.Reader, fn func(index int, fr capture.Frame, rec Record)) (WalkStats, error) {
	var st WalkStats
	for {
		fr, err := r.Next()
		if errors.Is(err, io.EOF) {
			return st, nil
		}
		if err != nil {
			return st, err
		}
		idx := st.Frames
		st.Frames++
		rec, ok := Decode(fr.LinkType, fr.Data)
		if !ok {
			st.Skipped++
			continue
		}
		st.Decoded++
		fn(idx, fr, rec)
	}
}
