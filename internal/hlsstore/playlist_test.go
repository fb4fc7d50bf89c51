package hlsstore

import (
	"strings"
	"testing"
	"time"

	"github.com/zmgate/streaming-server/pkg/types"
)

func TestMasterPlaylist(t *testing.T) {
	m := MasterPlaylist(types.CodecH264)
	if !strings.Contains(m, "stream.m3u8") {
		t.Errorf("master playlist missing media reference:\n%s", m)
	}
	if !strings.Contains(m, "avc1.") {
		t.Errorf("master playlist missing H.264 codec string:\n%s", m)
	}
	if !strings.Contains(MasterPlaylist(types.CodecH265), "hvc1.") {
		t.Error("master playlist missing H.265 codec string")
	}
}

func TestMediaPlaylist(t *testing.T) {
	st := MonitorState{
		HasInit: true,
		Segments: []SegmentInfo{
			{Sequence: 3, Duration: 4 * time.Second},
			{Sequence: 4, Duration: 4 * time.Second},
		},
		NextSequence: 5,
	}
	p := MediaPlaylist(st, 4*time.Second, false)

	for _, want := range []string{
		"#EXT-X-VERSION:7\n",
		"#EXT-X-TARGETDURATION:4\n",
		"#EXT-X-MEDIA-SEQUENCE:3\n",
		"#EXT-X-MAP:URI=\"init.mp4\"\n",
		"#EXTINF:4.00000,\nsegment_00003.m4s\n",
		"#EXTINF:4.00000,\nsegment_00004.m4s\n",
	} {
		if !strings.Contains(p, want) {
			t.Errorf("playlist missing %q:\n%s", want, p)
		}
	}
	if strings.Contains(p, "EXT-X-PART") {
		t.Errorf("non-LL playlist advertises parts:\n%s", p)
	}
}

func TestMediaPlaylistLowLatency(t *testing.T) {
	st := MonitorState{
		HasInit: true,
		Segments: []SegmentInfo{
			{Sequence: 0, Duration: 4 * time.Second, Parts: []PartInfo{
				{Index: 0, Duration: time.Second, Independent: true},
				{Index: 1, Duration: time.Second},
			}},
		},
		NextSequence: 1,
		PendingParts: []PartInfo{
			{Index: 0, Duration: time.Second, Independent: true},
		},
	}
	p := MediaPlaylist(st, 4*time.Second, true)

	for _, want := range []string{
		"#EXT-X-SERVER-CONTROL:CAN-BLOCK-RELOAD=YES",
		"#EXT-X-PART-INF:PART-TARGET=1.00000\n",
		"#EXT-X-PART:DURATION=1.00000,URI=\"segment_00000.0.m4s\",INDEPENDENT=YES\n",
		"#EXT-X-PART:DURATION=1.00000,URI=\"segment_00000.1.m4s\"\n",
		"#EXT-X-PART:DURATION=1.00000,URI=\"segment_00001.0.m4s\",INDEPENDENT=YES\n",
	} {
		if !strings.Contains(p, want) {
			t.Errorf("LL playlist missing %q:\n%s", want, p)
		}
	}
}
