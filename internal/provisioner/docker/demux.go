package docker

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
)

// maxPendingLine bounds a partial line held between frames. Longer lines
// are emitted in pieces.
const maxPendingLine = 64 << 10

// demuxLines reads Docker's multiplexed log stream and emits complete
// lines in arrival order. Each frame is an 8 byte header (stream type,
// three padding bytes, big-endian payload size) followed by the payload.
// Partial lines are carried across frames per stream and flushed at EOF.
func demuxLines(r io.Reader, emit func([]string)) error {
	header := make([]byte, 8)
	pending := map[byte][]byte{}

	flush := func() {
		var rest []string
		for _, stream := range []byte{0, 1, 2} {
			if line := trimLine(pending[stream]); line != "" {
				rest = append(rest, line)
			}
		}
		if len(rest) > 0 {
			emit(rest)
		}
	}

	for {
		if _, err := io.ReadFull(r, header); err != nil {
			flush()
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		size := binary.BigEndian.Uint32(header[4:8])
		if size == 0 {
			continue
		}

		payload := make([]byte, size)
		if _, err := io.ReadFull(r, payload); err != nil {
			flush()
			return err
		}

		stream := header[0]
		buf := append(pending[stream], payload...)
		var lines []string
		for {
			i := bytes.IndexByte(buf, '\n')
			if i < 0 {
				break
			}
			if line := trimLine(buf[:i]); line != "" {
				lines = append(lines, line)
			}
			buf = buf[i+1:]
		}
		if len(buf) > maxPendingLine {
			lines = append(lines, string(buf))
			buf = nil
		}
		pending[stream] = append([]byte(nil), buf...)

		if len(lines) > 0 {
			emit(lines)
		}
	}
}

func trimLine(b []byte) string {
	return string(bytes.TrimSuffix(b, []byte("\r")))
}
