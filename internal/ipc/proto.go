// Package ipc implements the daemon's local socket protocol: a fixed-size
// little-endian header, an optional body, and length-prefixed strings. The
// front door (accept loop, peer credentials, authorization) lives here too;
// everything behind it trusts that a connection reaching a slot was already
// authorized.
package ipc

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Section is the coarse message category.
type Section int16

const (
	// SectionInit must be the first (and only) section of a client's
	// opening message.
	SectionInit Section = iota + 1
	SectionCommand
	SectionEvent
)

// Property selects the command or event within a section.
type Property uint32

const (
	PropertyNone Property = iota
	PropertyStart
	PropertyPause
	PropertyResume
	PropertyCancel
	PropertyQueryState
	PropertyQueryProgress
	PropertySetNotification
	PropertyFree

	// Events pushed by the daemon.
	PropertyState
	PropertyProgress
)

// Wire error codes carried in Header.ErrorCode.
const (
	WireOK int32 = iota
	WireInvalidArgument
	WireTooManyClients
	WirePermissionDenied
	WireNotFound
	WireInternal
)

// HeaderSize is the packed byte size of Header on the wire.
const HeaderSize = 18

// Limits protecting the daemon from malicious or broken peers.
const (
	maxBodySize   = 64 * 1024
	maxStringSize = 8 * 1024
	maxHeaders    = 64
)

// ErrMalformed rejects frames that violate the wire contract.
var ErrMalformed = errors.New("malformed frame")

// Header precedes every message.
type Header struct {
	Section   Section
	Property  Property
	ID        int32
	ErrorCode int32
	Size      uint32
}

// InitHeader is the only opening message the daemon accepts.
func InitHeader() Header {
	return Header{Section: SectionInit, Property: PropertyNone, ID: -1}
}

// IsInit reports whether h is a valid opening message.
func (h Header) IsInit() bool {
	return h.Section == SectionInit && h.Property == PropertyNone && h.ID == -1 && h.Size == 0
}

// EncodeHeader writes the packed header.
func EncodeHeader(w io.Writer, h Header) error {
	return binary.Write(w, binary.LittleEndian, &h)
}

// DecodeHeader reads exactly one packed header.
func DecodeHeader(r io.Reader) (Header, error) {
	var h Header
	if err := binary.Read(r, binary.LittleEndian, &h); err != nil {
		return Header{}, err
	}

	if h.Size > maxBodySize {
		return Header{}, fmt.Errorf("%w: body size %d exceeds limit", ErrMalformed, h.Size)
	}

	return h, nil
}

// WriteString writes a length-prefixed string.
func WriteString(w io.Writer, s string) error {
	if len(s) > maxStringSize {
		return fmt.Errorf("%w: string length %d exceeds limit", ErrMalformed, len(s))
	}

	if err := binary.Write(w, binary.LittleEndian, uint32(len(s))); err != nil {
		return err
	}

	_, err := io.WriteString(w, s)

	return err
}

// ReadString reads a length-prefixed string into a fresh buffer.
func ReadString(r io.Reader) (string, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return "", err
	}

	if n > maxStringSize {
		return "", fmt.Errorf("%w: string length %d exceeds limit", ErrMalformed, n)
	}

	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}

	return string(buf), nil
}

// StartBody is the payload of PropertyStart.
type StartBody struct {
	URL          string
	Destination  string
	Filename     string
	Network      uint32
	Notification bool
	Headers      []string
}

func (b *StartBody) Marshal() ([]byte, error) {
	var buf bytes.Buffer

	for _, s := range []string{b.URL, b.Destination, b.Filename} {
		if err := WriteString(&buf, s); err != nil {
			return nil, err
		}
	}

	if err := binary.Write(&buf, binary.LittleEndian, b.Network); err != nil {
		return nil, err
	}

	notif := uint32(0)
	if b.Notification {
		notif = 1
	}

	if err := binary.Write(&buf, binary.LittleEndian, notif); err != nil {
		return nil, err
	}

	if err := binary.Write(&buf, binary.LittleEndian, uint32(len(b.Headers))); err != nil {
		return nil, err
	}

	for _, h := range b.Headers {
		if err := WriteString(&buf, h); err != nil {
			return nil, err
		}
	}

	return buf.Bytes(), nil
}

func DecodeStartBody(data []byte) (*StartBody, error) {
	r := bytes.NewReader(data)

	var b StartBody

	var err error

	if b.URL, err = ReadString(r); err != nil {
		return nil, err
	}

	if b.Destination, err = ReadString(r); err != nil {
		return nil, err
	}

	if b.Filename, err = ReadString(r); err != nil {
		return nil, err
	}

	if err := binary.Read(r, binary.LittleEndian, &b.Network); err != nil {
		return nil, err
	}

	var notif uint32
	if err := binary.Read(r, binary.LittleEndian, &notif); err != nil {
		return nil, err
	}

	b.Notification = notif != 0

	var headerCount uint32
	if err := binary.Read(r, binary.LittleEndian, &headerCount); err != nil {
		return nil, err
	}

	if headerCount > maxHeaders {
		return nil, fmt.Errorf("%w: %d headers exceeds limit", ErrMalformed, headerCount)
	}

	for i := uint32(0); i < headerCount; i++ {
		h, err := ReadString(r)
		if err != nil {
			return nil, err
		}

		b.Headers = append(b.Headers, h)
	}

	return &b, nil
}

// StateBody is the payload of PropertyState events and PropertyQueryState
// responses.
type StateBody struct {
	State     int32
	ErrorCode string
}

func (b *StateBody) Marshal() ([]byte, error) {
	var buf bytes.Buffer

	if err := binary.Write(&buf, binary.LittleEndian, b.State); err != nil {
		return nil, err
	}

	if err := WriteString(&buf, b.ErrorCode); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

func DecodeStateBody(data []byte) (*StateBody, error) {
	r := bytes.NewReader(data)

	var b StateBody

	if err := binary.Read(r, binary.LittleEndian, &b.State); err != nil {
		return nil, err
	}

	var err error
	if b.ErrorCode, err = ReadString(r); err != nil {
		return nil, err
	}

	return &b, nil
}

// ProgressBody is the payload of PropertyProgress events and
// PropertyQueryProgress responses.
type ProgressBody struct {
	Received int64
	Total    int64
	Path     string
}

func (b *ProgressBody) Marshal() ([]byte, error) {
	var buf bytes.Buffer

	if err := binary.Write(&buf, binary.LittleEndian, b.Received); err != nil {
		return nil, err
	}

	if err := binary.Write(&buf, binary.LittleEndian, b.Total); err != nil {
		return nil, err
	}

	if err := WriteString(&buf, b.Path); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

func DecodeProgressBody(data []byte) (*ProgressBody, error) {
	r := bytes.NewReader(data)

	var b ProgressBody

	if err := binary.Read(r, binary.LittleEndian, &b.Received); err != nil {
		return nil, err
	}

	if err := binary.Read(r, binary.LittleEndian, &b.Total); err != nil {
		return nil, err
	}

	var err error
	if b.Path, err = ReadString(r); err != nil {
		return nil, err
	}

	return &b, nil
}

// FlagBody carries a single boolean, used by PropertySetNotification.
type FlagBody struct {
	Enabled bool
}

func (b *FlagBody) Marshal() ([]byte, error) {
	v := uint32(0)
	if b.Enabled {
		v = 1
	}

	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, v); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

func DecodeFlagBody(data []byte) (*FlagBody, error) {
	var v uint32
	if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, &v); err != nil {
		return nil, err
	}

	return &FlagBody{Enabled: v != 0}, nil
}
