package readiness

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// ErrNotPlaylist is returned when the body does not start with #EXTM3U.
var ErrNotPlaylist = errors.New("not an HLS playlist")

// Segment is one media segment listed in a live playlist.
type Segment struct {
	Sequence int64
	Duration float64
	URI      string
}

// Playlist is the subset of an HLS media playlist the client cares about.
type Playlist struct {
	Version        int
	TargetDuration int
	MediaSequence  int64
	Segments       []Segment
	Ended          bool
}

// Empty reports whether the playlist lists no segment yet. A live manifest
// can be published before its first segment.
func (p *Playlist) Empty() bool {
	return p == nil || len(p.Segments) == 0
}

// Live reports whether more segments are expected.
func (p *Playlist) Live() bool {
	return p != nil && !p.Ended
}

// ParsePlaylist reads an HLS media playlist. Sequence numbers are assigned
// from #EXT-X-MEDIA-SEQUENCE in listing order. Unknown tags are ignored.
func ParsePlaylist(r io.Reader) (*Playlist, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	p := &Playlist{}
	first := true
	var pendingDuration *float64

	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if first {
			if !strings.HasPrefix(line, "#EXTM3U") {
				return nil, ErrNotPlaylist
			}
			first = false
			continue
		}

		switch {
		case strings.HasPrefix(line, "#EXT-X-VERSION:"):
			n, err := strconv.Atoi(tagValue(line))
			if err != nil {
				return nil, fmt.Errorf("parse version: %w", err)
			}
			p.Version = n
		case strings.HasPrefix(line, "#EXT-X-TARGETDURATION:"):
			n, err := strconv.Atoi(tagValue(line))
			if err != nil {
				return nil, fmt.Errorf("parse target duration: %w", err)
			}
			p.TargetDuration = n
		case strings.HasPrefix(line, "#EXT-X-MEDIA-SEQUENCE:"):
			n, err := strconv.ParseInt(tagValue(line), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("parse media sequence: %w", err)
			}
			p.MediaSequence = n
		case strings.HasPrefix(line, "#EXTINF:"):
			v := tagValue(line)
			if i := strings.IndexByte(v, ','); i >= 0 {
				v = v[:i]
			}
			d, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return nil, fmt.Errorf("parse segment duration: %w", err)
			}
			pendingDuration = &d
		case line == "#EXT-X-ENDLIST":
			p.Ended = true
		case strings.HasPrefix(line, "#"):
			// comment or unsupported tag
		default:
			seg := Segment{
				Sequence: p.MediaSequence + int64(len(p.Segments)),
				URI:      line,
			}
			if pendingDuration != nil {
				seg.Duration = *pendingDuration
				pendingDuration = nil
			}
			p.Segments = append(p.Segments, seg)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if first {
		return nil, ErrNotPlaylist
	}
	return p, nil
}

func tagValue(line string) string {
	if i := strings.IndexByte(line, ':'); i >= 0 {
		return strings.TrimSpace(line[i+1:])
	}
	return ""
}
