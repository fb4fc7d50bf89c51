package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/zmgate/streaming-server/internal/hlsstore"
	"github.com/zmgate/streaming-server/pkg/types"
)

const (
	playlistContentType = "application/vnd.apple.mpegurl"
	initContentType     = "video/mp4"
	segmentContentType  = "video/iso.segment"

	// Upper bound on a blocking playlist reload before the current
	// playlist is served as-is.
	blockingReloadTimeout = 5 * time.Second
)

// segment_00042.m4s or segment_00042.3.m4s for a partial.
var segmentNameRe = regexp.MustCompile(`^segment_(\d{5})(?:\.(\d+))?\.m4s$`)

func (s *Server) handleMasterPlaylist(c *gin.Context) {
	id, ok := monitorParam(c)
	if !ok {
		return
	}
	codec := types.CodecH264
	if spec, err := s.live.Spec(id); err == nil {
		codec = spec.Codec
	}
	c.Header("Cache-Control", "no-cache")
	c.Data(http.StatusOK, playlistContentType, []byte(hlsstore.MasterPlaylist(codec)))
}

func (s *Server) handleMediaPlaylist(c *gin.Context) {
	id, ok := monitorParam(c)
	if !ok {
		return
	}
	if err := s.blockForReload(c, id); err != nil {
		respondError(c, err)
		return
	}
	st, err := s.store.State(id)
	if err != nil {
		respondError(c, err)
		return
	}
	playlist := hlsstore.MediaPlaylist(st, s.cfg.TargetDuration(), s.cfg.Streaming.LowLatency)
	c.Header("Cache-Control", "no-cache")
	c.Data(http.StatusOK, playlistContentType, []byte(playlist))
}

// blockForReload honours the LL-HLS _HLS_msn/_HLS_part query parameters.
// The wait is bounded; on timeout the playlist is served in its current
// state rather than an error.
func (s *Server) blockForReload(c *gin.Context, id int) error {
	msnStr, ok := c.GetQuery("_HLS_msn")
	if !ok {
		return nil
	}
	msn, err := strconv.ParseUint(msnStr, 10, 64)
	if err != nil {
		return fmt.Errorf("_HLS_msn %q: %w", msnStr, types.ErrBadSegmentName)
	}
	part := -1
	if partStr, ok := c.GetQuery("_HLS_part"); ok {
		p, err := strconv.Atoi(partStr)
		if err != nil || p < 0 {
			return fmt.Errorf("_HLS_part %q: %w", partStr, types.ErrBadSegmentName)
		}
		part = p
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), blockingReloadTimeout)
	defer cancel()
	// Timeout or client disconnect degrades to a plain reload.
	_ = s.store.WaitFor(ctx, id, msn, part)
	return nil
}

func (s *Server) handleInitSegment(c *gin.Context) {
	id, ok := monitorParam(c)
	if !ok {
		return
	}
	data, err := s.store.ReadInit(id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.Header("Cache-Control", "no-cache")
	c.Data(http.StatusOK, initContentType, data)
}

func (s *Server) handleSegment(c *gin.Context) {
	id, ok := monitorParam(c)
	if !ok {
		return
	}
	name := c.Param("segment")
	m := segmentNameRe.FindStringSubmatch(name)
	if m == nil {
		respondError(c, fmt.Errorf("%q: %w", name, types.ErrBadSegmentName))
		return
	}
	seq, err := strconv.ParseUint(m[1], 10, 64)
	if err != nil {
		respondError(c, fmt.Errorf("%q: %w", name, types.ErrBadSegmentName))
		return
	}

	var data []byte
	if m[2] != "" {
		part, perr := strconv.Atoi(m[2])
		if perr != nil {
			respondError(c, fmt.Errorf("%q: %w", name, types.ErrBadSegmentName))
			return
		}
		data, err = s.store.ReadPartial(id, seq, part)
	} else {
		data, err = s.store.ReadSegment(id, seq)
	}
	if err != nil {
		respondError(c, err)
		return
	}
	// Segment names are sequence-unique, so the bytes never change.
	c.Header("Cache-Control", "max-age=31536000, immutable")
	c.Data(http.StatusOK, segmentContentType, data)
}
