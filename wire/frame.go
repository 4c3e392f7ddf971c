// Copyright (c) 2026 The keel developers.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wire

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/davecgh/go-xdr/xdr2"
)

const (
	// MaxFrameSize bounds a single envelope on the wire. Anything larger
	// is rejected before decoding.
	MaxFrameSize = 1024 * 1024
)

var (
	ErrOverflow  = errors.New("frame too large")
	ErrMarshal   = errors.New("could not marshal")
	ErrUnmarshal = errors.New("could not unmarshal")
)

// EncodeEnvelope serializes a header and its body into a single frame.
func EncodeEnvelope(hdr Header, body interface{}) ([]byte, error) {
	b := &bytes.Buffer{}
	if _, err := xdr.Marshal(b, hdr); err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrMarshal, err)
	}
	if body != nil {
		if _, err := xdr.Marshal(b, body); err != nil {
			return nil, fmt.Errorf("%w: %v: %v", ErrMarshal, hdr.Type, err)
		}
	}
	if b.Len() > MaxFrameSize {
		return nil, ErrOverflow
	}
	return b.Bytes(), nil
}

// DecodeHeader reads the header off a frame and returns a reader positioned
// at the body.
func DecodeHeader(frame []byte) (Header, *bytes.Reader, error) {
	var hdr Header
	br := bytes.NewReader(frame)
	if _, err := xdr.Unmarshal(br, &hdr); err != nil {
		return Header{}, nil, fmt.Errorf("%w: header: %v", ErrUnmarshal, err)
	}
	return hdr, br, nil
}

// DecodeBody unmarshals the remainder of a frame into body.
func DecodeBody(br *bytes.Reader, body interface{}) error {
	if _, err := xdr.Unmarshal(br, body); err != nil {
		return fmt.Errorf("%w: %v", ErrUnmarshal, err)
	}
	return nil
}

// WriteFrame writes one length-prefixed frame.
func WriteFrame(w io.Writer, frame []byte) error {
	if len(frame) > MaxFrameSize {
		return ErrOverflow
	}
	if _, err := xdr.Marshal(w, frame); err != nil {
		return fmt.Errorf("%w: %v", ErrMarshal, err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame, refusing frames larger than
// MaxFrameSize.
func ReadFrame(r io.Reader) ([]byte, error) {
	var frame []byte
	if _, err := xdr.UnmarshalLimited(r, &frame, MaxFrameSize+64); err != nil {
		return nil, err
	}
	return frame, nil
}
