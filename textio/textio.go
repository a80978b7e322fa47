// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package textio layers character-encoding decoding/encoding and newline
// translation on top of a raw byte stream, the way a backend's Open/Create
// result is wrapped before being handed to a caller that asked for text
// mode. It delegates the actual character transcoding to
// golang.org/x/text/encoding rather than reimplementing any codec tables.
package textio

import (
	"bufio"
	"bytes"
	"io"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/ianaindex"
	"golang.org/x/text/transform"

	"github.com/basinlabs/stream/errors"
)

// Wrap returns a text-mode stream layered on top of rw, the raw byte
// stream obtained from a backend (after any compressor has already been
// applied). enc names an IANA character encoding ("utf-8", "utf-16",
// "iso-8859-1", ...); the empty string defaults to UTF-8. newline selects
// how line terminators are handled:
//
//	""    universal newlines: on read, "\r\n" and "\r" are translated to
//	      "\n"; on write, "\n" is passed through unchanged.
//	"\n"  no translation in either direction.
//	other every "\n" written is replaced with newline; reads are not
//	      translated.
//
// The text layer owns rw: closing the returned stream closes rw.
func Wrap(rw io.ReadWriteCloser, enc, newline string) (io.ReadWriteCloser, error) {
	codec, err := lookupEncoding(enc)
	if err != nil {
		return nil, err
	}
	return &stream{
		raw: rw,
		r:   bufio.NewReader(transform.NewReader(rw, codec.NewDecoder())),
		w:   bufio.NewWriter(transform.NewWriter(rw, codec.NewEncoder())),
		nl:  newline,
	}, nil
}

func lookupEncoding(name string) (encoding.Encoding, error) {
	if name == "" || name == "utf-8" || name == "UTF-8" {
		return encoding.Nop, nil
	}
	enc, err := ianaindex.IANA.Encoding(name)
	if err != nil || enc == nil {
		return nil, errors.E(errors.Invalid, "textio: unknown encoding", name, err)
	}
	return enc, nil
}

// stream is the io.ReadWriteCloser returned by Wrap: a decoding reader, an
// encoding writer, and the newline translation in between, all closing
// down to the same raw stream.
type stream struct {
	raw io.ReadWriteCloser
	r   *bufio.Reader
	w   *bufio.Writer
	nl  string

	pending []byte // translated bytes that did not fit in the caller's buffer
}

func (s *stream) Read(p []byte) (int, error) {
	if s.nl != "" {
		return s.r.Read(p)
	}
	return s.readUniversalNewlines(p)
}

// readUniversalNewlines implements the universal-newlines read-side
// translation used when newline == "": "\r\n" and a lone "\r" both become
// "\n".
func (s *stream) readUniversalNewlines(p []byte) (int, error) {
	if len(s.pending) == 0 {
		buf := make([]byte, len(p))
		n, err := s.r.Read(buf)
		if n == 0 {
			return 0, err
		}
		s.pending = buf[:n]
		if err != nil && err != io.EOF {
			return 0, err
		}
		// Keep a "\r\n" split across two reads together.
		if s.pending[n-1] == '\r' {
			if next, perr := s.r.Peek(1); perr == nil && next[0] == '\n' {
				s.r.ReadByte()
				s.pending = append(s.pending, '\n')
			}
		}
	}
	translated := bytes.ReplaceAll(s.pending, []byte("\r\n"), []byte("\n"))
	translated = bytes.ReplaceAll(translated, []byte("\r"), []byte("\n"))
	n := copy(p, translated)
	s.pending = nil
	if n < len(translated) {
		s.pending = translated[n:]
	}
	return n, nil
}

func (s *stream) Write(p []byte) (int, error) {
	if s.nl == "" || s.nl == "\n" {
		return s.w.Write(p)
	}
	translated := bytes.ReplaceAll(p, []byte("\n"), []byte(s.nl))
	if _, err := s.w.Write(translated); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (s *stream) Close() error {
	ferr := s.w.Flush()
	rerr := s.raw.Close()
	if ferr != nil {
		return ferr
	}
	return rerr
}
