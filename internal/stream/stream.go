// Package stream writes JSON lists incrementally from lazy sequences.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"net/http"
)

// WriteList writes {"<key>":[...]} consuming seq one element at a time. The
// opening bytes are deferred until the first element is ready, so a failure
// before any output leaves w untouched and the caller can still choose the
// status code. It returns the number of elements written.
//
// Iteration stops at the first sequence, marshal or write error, or when ctx
// is done; stopping the range loop lets the sequence release its resources.
func WriteList[T any](ctx context.Context, w io.Writer, key string, seq iter.Seq2[T, error], marshal func(T) ([]byte, error)) (int, error) {
	name, err := json.Marshal(key)
	if err != nil {
		return 0, fmt.Errorf("encode key: %w", err)
	}
	flusher, _ := w.(http.Flusher)

	written := 0
	for item, err := range seq {
		if err != nil {
			return written, err
		}
		if err := ctx.Err(); err != nil {
			return written, err
		}
		data, err := marshal(item)
		if err != nil {
			return written, fmt.Errorf("encode element %d: %w", written, err)
		}
		if written == 0 {
			if err := writeAll(w, []byte("{"), name, []byte(":[")); err != nil {
				return written, err
			}
		} else if _, err := w.Write([]byte(",")); err != nil {
			return written, err
		}
		if _, err := w.Write(data); err != nil {
			return written, err
		}
		written++
		if flusher != nil {
			flusher.Flush()
		}
	}

	if written == 0 {
		return 0, writeAll(w, []byte("{"), name, []byte(":[]}"))
	}
	_, err = w.Write([]byte("]}"))
	return written, err
}

func writeAll(w io.Writer, chunks ...[]byte) error {
	for _, c := range chunks {
		if _, err := w.Write(c); err != nil {
			return err
		}
	}
	return nil
}
