package protocol

import (
	"bufio"
	"errors"
	"io"
	"strings"
)

const (
	// Delimiter separates the four fields of a frame
	Delimiter = "|"

	// DefaultMaxFrameSize bounds a single frame line, terminator excluded
	DefaultMaxFrameSize = 4096
)

var (
	ErrMalformedFrame = errors.New("malformed frame: expected KIND|SENDER|RECIPIENT[|CONTENT]")
	ErrFrameTooLarge  = errors.New("frame exceeds maximum size")
)

var lineBreaks = strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ")

// Encode serializes a message into one newline-terminated frame.
// Line breaks inside fields are flattened to spaces so a frame is always
// exactly one line.
func Encode(m Message) []byte {
	var b strings.Builder
	b.Grow(len(m.Sender) + len(m.Recipient) + len(m.Content) + 20)
	b.WriteString(m.Kind.String())
	b.WriteString(Delimiter)
	b.WriteString(lineBreaks.Replace(m.Sender))
	b.WriteString(Delimiter)
	b.WriteString(lineBreaks.Replace(m.Recipient))
	b.WriteString(Delimiter)
	b.WriteString(lineBreaks.Replace(m.Content))
	b.WriteByte('\n')
	return []byte(b.String())
}

// Decode parses a single frame. A trailing line terminator is optional.
// Unknown kinds decode as KindBroadcast with KindCoerced set; frames with
// fewer than three fields return ErrMalformedFrame.
func Decode(frame string) (Message, error) {
	frame = strings.TrimSuffix(frame, "\n")
	frame = strings.TrimSuffix(frame, "\r")

	// CONTENT keeps any further delimiters verbatim
	parts := strings.SplitN(frame, Delimiter, 4)
	if len(parts) < 3 {
		return Message{}, ErrMalformedFrame
	}

	kind, known := ParseKind(parts[0])
	m := NewMessage(kind, parts[1], parts[2], "")
	m.coerced = !known
	if len(parts) == 4 {
		m.Content = parts[3]
	}
	return m, nil
}

// WriteFrame encodes m and writes it with a single Write call
func WriteFrame(w io.Writer, m Message) error {
	_, err := w.Write(Encode(m))
	return err
}

// FrameReader reads newline-delimited frames from a stream
type FrameReader struct {
	r       *bufio.Reader
	maxSize int
}

// NewFrameReader wraps r. maxSize <= 0 selects DefaultMaxFrameSize.
func NewFrameReader(r io.Reader, maxSize int) *FrameReader {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}
	return &FrameReader{
		r:       bufio.NewReaderSize(r, 4096),
		maxSize: maxSize,
	}
}

// ReadLine returns the next line without its terminator.
//
// A line longer than the maximum frame size is consumed up to and including
// its newline and ErrFrameTooLarge is returned; the reader stays usable.
// A final unterminated line is returned before io.EOF.
func (fr *FrameReader) ReadLine() (string, error) {
	var line []byte
	tooLarge := false

	for {
		chunk, err := fr.r.ReadSlice('\n')
		if !tooLarge {
			if len(line)+len(chunk) > fr.maxSize+2 {
				tooLarge = true
				line = nil
			} else {
				line = append(line, chunk...)
			}
		}

		switch {
		case err == nil:
			if tooLarge {
				return "", ErrFrameTooLarge
			}
			return fr.finish(line)
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF) && len(line) > 0 && !tooLarge:
			return fr.finish(line)
		default:
			return "", err
		}
	}
}

func (fr *FrameReader) finish(line []byte) (string, error) {
	s := strings.TrimSuffix(string(line), "\n")
	s = strings.TrimSuffix(s, "\r")
	if len(s) > fr.maxSize {
		return "", ErrFrameTooLarge
	}
	return s, nil
}

// ReadMessage reads and decodes the next frame
func (fr *FrameReader) ReadMessage() (Message, error) {
	line, err := fr.ReadLine()
	if err != nil {
		return Message{}, err
	}
	return Decode(line)
}
