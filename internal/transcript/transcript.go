// Package transcript converts room messages to and from the chat export formats.
//
// The text format writes one message per line as
//
//	<RFC 3339 timestamp> - <username>: <content>
//
// Lines that do not start with a timestamp continue the content of the previous message,
// so multi-line content survives a round trip. Usernames containing ": " do not.
package transcript

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/npezzotti/go-ephemeral-chat/internal/types"
)

type Format string

const (
	FormatText Format = "txt"
	FormatJSON Format = "json"
)

func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(s)); f {
	case FormatText, FormatJSON:
		return f, nil
	case "text":
		return FormatText, nil
	default:
		return "", types.Malformed("unsupported format %q", s)
	}
}

func (f Format) ContentType() string {
	if f == FormatJSON {
		return "application/json"
	}
	return "text/plain; charset=utf-8"
}

// Filename is the download name of a room's transcript.
func (f Format) Filename(roomId string) string {
	return fmt.Sprintf("chat_%s.%s", roomId, f)
}

func Encode(w io.Writer, f Format, msgs []types.Message) error {
	switch f {
	case FormatText:
		return WriteText(w, msgs)
	case FormatJSON:
		return WriteJSON(w, msgs)
	default:
		return types.Malformed("unsupported format %q", f)
	}
}

func Decode(r io.Reader, f Format) ([]types.Record, error) {
	switch f {
	case FormatText:
		return ReadText(r)
	case FormatJSON:
		return ReadJSON(r)
	default:
		return nil, types.Malformed("unsupported format %q", f)
	}
}

func WriteText(w io.Writer, msgs []types.Message) error {
	bw := bufio.NewWriter(w)
	for _, msg := range msgs {
		_, err := fmt.Fprintf(bw, "%s - %s: %s\n",
			msg.Timestamp.UTC().Format(time.RFC3339Nano),
			msg.Username,
			msg.Content,
		)
		if err != nil {
			return errors.Wrap(err, "write transcript")
		}
	}

	return errors.Wrap(bw.Flush(), "write transcript")
}

func WriteJSON(w io.Writer, msgs []types.Message) error {
	records := make([]types.Record, 0, len(msgs))
	for _, msg := range msgs {
		records = append(records, msg.Record())
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return errors.Wrap(enc.Encode(records), "write transcript")
}

func validate(i int, rec types.Record) error {
	switch {
	case rec.Username == "":
		return types.Malformed("record %d: missing username", i)
	case rec.Timestamp.IsZero():
		return types.Malformed("record %d: missing timestamp", i)
	}
	return nil
}

func ReadJSON(r io.Reader) ([]types.Record, error) {
	var records []types.Record
	if err := json.NewDecoder(r).Decode(&records); err != nil {
		return nil, types.Malformed("invalid json transcript: %v", err)
	}

	for i, rec := range records {
		if err := validate(i, rec); err != nil {
			return nil, err
		}
		records[i].Timestamp = rec.Timestamp.UTC()
	}

	if records == nil {
		records = make([]types.Record, 0)
	}
	return records, nil
}

// parseLine splits a text transcript line. ok is false if the line does not start a message.
func parseLine(line string) (rec types.Record, ok bool) {
	stamp, rest, found := strings.Cut(line, " - ")
	if !found {
		return rec, false
	}

	ts, err := time.Parse(time.RFC3339Nano, stamp)
	if err != nil {
		return rec, false
	}

	username, content, found := strings.Cut(rest, ": ")
	if !found || username == "" {
		return rec, false
	}

	return types.Record{Username: username, Content: content, Timestamp: ts.UTC()}, true
}

func ReadText(r io.Reader) ([]types.Record, error) {
	records := make([]types.Record, 0)

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSuffix(sc.Text(), "\r")

		if rec, ok := parseLine(line); ok {
			records = append(records, rec)
			continue
		}

		if len(records) == 0 {
			if strings.TrimSpace(line) == "" {
				continue
			}
			return nil, types.Malformed("line %d: expected \"<timestamp> - <username>: <content>\"", lineNo)
		}

		last := &records[len(records)-1]
		last.Content += "\n" + line
	}

	if err := sc.Err(); err != nil {
		return nil, types.Malformed("read text transcript: %v", err)
	}

	return records, nil
}
