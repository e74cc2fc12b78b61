// Package docformat implements the dumpData writer contract of
// section 4.K: given a response body, a collection name, and the
// use_vpack flag, either copy the body verbatim (no masking
// configured) or parse it as a vpack array or newline-delimited
// object stream, pass each element through the masking contract, and
// re-emit in the selected output format.
//
// Grounded on the teacher's writer.WriteBatch (split-then-transform-
// then-emit shape) and itemimage.Decoder (per-line JSON decode with a
// distinguished corrupt-record error), generalized from a DynamoDB
// write batch to a byte-stream transcode and widened to accept either
// of two wire encodings.
package docformat

import (
	"bufio"
	"bytes"
	"fmt"

	json "github.com/goccy/go-json"

	"github.com/arangobackup/dumpclient/internal/masking"
	"github.com/arangobackup/dumpclient/internal/sink"
	"github.com/arangobackup/dumpclient/internal/stats"
	"github.com/arangobackup/dumpclient/internal/vpack"
)

// Write implements the dumpData contract. If m is nil or reports
// Passthrough, body is copied to file verbatim and only total_written
// is updated. Otherwise body is parsed per useVPack, each document is
// passed through m.Mask, and surviving documents are re-emitted in the
// same format.
func Write(st *stats.Stats, m masking.Maskings, file *sink.File, body []byte, collection string, useVPack bool) error {
	if m == nil || m.Passthrough() {
		n, err := file.Write(body)
		st.AddWritten(int64(n))
		return err
	}

	docs, err := decode(body, useVPack)
	if err != nil {
		return fmt.Errorf("docformat: decode %s body: %w", collection, err)
	}

	kept := make([]masking.Document, 0, len(docs))
	for _, d := range docs {
		if !m.ShouldDumpData(collection) {
			continue
		}
		out, ok := m.Mask(collection, d)
		if !ok {
			continue
		}
		kept = append(kept, out)
	}

	return encode(st, file, kept, useVPack)
}

func decode(body []byte, useVPack bool) ([]masking.Document, error) {
	if useVPack {
		raw, err := vpack.DecodeArray(body)
		if err != nil {
			return nil, err
		}
		docs := make([]masking.Document, len(raw))
		for i, r := range raw {
			var d masking.Document
			if err := json.Unmarshal(r, &d); err != nil {
				return nil, fmt.Errorf("element %d: %w", i, err)
			}
			docs[i] = d
		}
		return docs, nil
	}

	var docs []masking.Document
	scanner := bufio.NewScanner(bytes.NewReader(body))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var d masking.Document
		if err := json.Unmarshal(line, &d); err != nil {
			return nil, err
		}
		docs = append(docs, d)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return docs, nil
}

func encode(st *stats.Stats, file *sink.File, docs []masking.Document, useVPack bool) error {
	if useVPack {
		var buf bytes.Buffer
		asAny := make([]any, len(docs))
		for i, d := range docs {
			asAny[i] = d
		}
		if err := vpack.MarshalDocs(&buf, asAny); err != nil {
			return err
		}
		n, err := file.Write(buf.Bytes())
		st.AddWritten(int64(n))
		return err
	}

	var total int64
	for _, d := range docs {
		b, err := json.Marshal(d)
		if err != nil {
			return err
		}
		b = append(b, '\n')
		n, err := file.Write(b)
		total += int64(n)
		if err != nil {
			st.AddWritten(total)
			return err
		}
	}
	st.AddWritten(total)
	return nil
}

