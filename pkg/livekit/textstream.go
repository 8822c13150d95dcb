package livekit

import (
	"io"
	"strings"

	"github.com/voicelink-ai/voicelink/pkg/media"
)

// streamSegments forwards one text stream as cumulative segments. Every
// chunk read while the stream is still open becomes a non-final update
// carrying the full text so far; the end of the stream becomes exactly one
// terminal segment with the stream's final flag. A chunk delivered together
// with EOF is folded into the terminal segment instead of being emitted
// twice.
func streamSegments(rd io.Reader, id string, final bool, topic string, emit func(media.TextSegment)) {
	var text strings.Builder
	buf := make([]byte, 1024)

	for {
		n, err := rd.Read(buf)
		if n > 0 {
			text.Write(buf[:n])
			if err == nil {
				emit(media.TextSegment{
					ID:    id,
					Text:  text.String(),
					Topic: topic,
				})
			}
		}
		if err != nil {
			break
		}
	}

	emit(media.TextSegment{
		ID:    id,
		Text:  text.String(),
		Final: final,
		Topic: topic,
	})
}
