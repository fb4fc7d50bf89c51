package hlsstore

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/zmgate/streaming-server/pkg/types"
)

// MasterPlaylist renders the single-variant master playlist for one
// monitor's stream.
func MasterPlaylist(codec types.Codec) string {
	codecs := "avc1.42E028"
	if codec == types.CodecH265 {
		codecs = "hvc1.1.6.L120.B0"
	}
	var b strings.Builder
	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:7\n")
	fmt.Fprintf(&b, "#EXT-X-STREAM-INF:BANDWIDTH=2000000,CODECS=%q\n", codecs)
	b.WriteString("stream.m3u8\n")
	return b.String()
}

// MediaPlaylist renders a live media playlist from a store snapshot.
// With lowLatency set it adds EXT-X-PART entries for the tail segments
// and the segment still in flight, plus the server-control tags that
// let players issue blocking reloads.
func MediaPlaylist(st MonitorState, target time.Duration, lowLatency bool) string {
	partTarget := target.Seconds() / 4

	var b strings.Builder
	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:7\n")
	fmt.Fprintf(&b, "#EXT-X-TARGETDURATION:%d\n", int(math.Ceil(target.Seconds())))
	mediaSeq := uint64(0)
	if len(st.Segments) > 0 {
		mediaSeq = st.Segments[0].Sequence
	}
	fmt.Fprintf(&b, "#EXT-X-MEDIA-SEQUENCE:%d\n", mediaSeq)
	if lowLatency {
		fmt.Fprintf(&b, "#EXT-X-SERVER-CONTROL:CAN-BLOCK-RELOAD=YES,PART-HOLD-BACK=%.5f\n", 3*partTarget)
		fmt.Fprintf(&b, "#EXT-X-PART-INF:PART-TARGET=%.5f\n", partTarget)
	}
	b.WriteString("#EXT-X-MAP:URI=\"init.mp4\"\n")

	// parts are only advertised for the last two completed segments
	partTail := len(st.Segments) - 2
	for i, seg := range st.Segments {
		if lowLatency && i >= partTail {
			writeParts(&b, seg.Sequence, seg.Parts)
		}
		fmt.Fprintf(&b, "#EXTINF:%.5f,\n", seg.Duration.Seconds())
		fmt.Fprintf(&b, "%s\n", SegmentFileName(seg.Sequence))
	}
	if lowLatency {
		writeParts(&b, st.NextSequence, st.PendingParts)
	}
	return b.String()
}

func writeParts(b *strings.Builder, seq uint64, parts []PartInfo) {
	for _, p := range parts {
		fmt.Fprintf(b, "#EXT-X-PART:DURATION=%.5f,URI=%q", p.Duration.Seconds(), PartialFileName(seq, p.Index))
		if p.Independent {
			b.WriteString(",INDEPENDENT=YES")
		}
		b.WriteString("\n")
	}
}
