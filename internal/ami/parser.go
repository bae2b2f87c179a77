package ami

import (
	"bufio"
	"io"
	"strings"
)

// Parser reads AMI blocks from a stream.
type Parser struct {
	reader *bufio.Reader
}

// NewParser creates a Parser over r.
func NewParser(r io.Reader) *Parser {
	return &Parser{reader: bufio.NewReader(r)}
}

// Next reads the next non-empty block. Lines without "Key: Value" form before
// the first header (such as the banner) are skipped. It returns io.EOF only
// when the stream ends with no pending headers.
func (p *Parser) Next() (Message, error) {
	var headers []header

	for {
		line, err := p.reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				if rest := strings.TrimRight(line, "\r\n"); rest != "" {
					headers = appendLine(headers, rest)
				}
				if len(headers) > 0 {
					return Message{headers: headers}, nil
				}
			}
			return Message{}, err
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if len(headers) > 0 {
				return Message{headers: headers}, nil
			}
			continue
		}
		headers = appendLine(headers, line)
	}
}

// ReadLine reads a single raw line, used for the connection banner.
func (p *Parser) ReadLine() (string, error) {
	line, err := p.reader.ReadString('\n')
	return strings.TrimRight(line, "\r\n"), err
}

func appendLine(headers []header, line string) []header {
	idx := strings.Index(line, ":")
	if idx < 0 {
		if len(headers) == 0 {
			return headers
		}
		return append(headers, header{Key: "", Value: line})
	}
	key := line[:idx]
	value := strings.TrimPrefix(line[idx+1:], " ")
	return append(headers, header{Key: key, Value: value})
}

// ParseAll reads every block until EOF.
func ParseAll(r io.Reader) ([]Message, error) {
	p := NewParser(r)
	var msgs []Message
	for {
		m, err := p.Next()
		if err == io.EOF {
			return msgs, nil
		}
		if err != nil {
			return msgs, err
		}
		msgs = append(msgs, m)
	}
}

// ParseString is ParseAll over a string.
func ParseString(s string) ([]Message, error) {
	return ParseAll(strings.NewReader(s))
}
