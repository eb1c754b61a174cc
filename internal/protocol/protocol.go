// Package protocol defines the request/response envelope exchanged between
// clients and the broker and its wire encoding. An envelope carries exactly
// one of seven variants; on the wire it is a protobuf message whose field
// number selects the variant, and frames delimit envelopes on the stream.
package protocol

import (
	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// TopicRequestKind selects the admin operation a TopicRequest performs.
type TopicRequestKind uint64

const (
	TopicCreate TopicRequestKind = iota
	TopicDescribe
	TopicDelete
	TopicAll
)

func (k TopicRequestKind) String() string {
	switch k {
	case TopicCreate:
		return "create"
	case TopicDescribe:
		return "describe"
	case TopicDelete:
		return "delete"
	case TopicAll:
		return "all"
	}
	return "unknown"
}

// Message is one produced record. The broker stores the encoded form as an
// opaque payload; key/value/timestamp only exist at this layer.
type Message struct {
	Key       []byte
	Value     []byte
	Timestamp uint64
}

type TopicRequest struct {
	TopicName string
	Kind      TopicRequestKind
	// Per-topic size overrides for Create; zero inherits the broker default.
	MaxSegmentBytes   uint64
	MaxRetentionBytes uint64
}

type ProduceRequest struct {
	TopicName string
	Messages  []Message
}

type ConsumeRequest struct {
	TopicName     string
	ConsumerGroup string
	TimeoutMs     uint64
}

// TopicSummary is one topic's entry in a list-all response.
type TopicSummary struct {
	TopicName      string
	ConsumerGroups []string
}

type TopicResponse struct {
	TopicName string
	Success   bool
	Kind      TopicRequestKind
	// Describe fields.
	MaxRetentionBytes uint64
	MaxSegmentBytes   uint64
	ConsumerGroups    []string
	// All fields.
	Topics []TopicSummary
}

type ProduceResponse struct {
	TopicName string
	Success   bool
	Offset    uint64
}

type ConsumeResponse struct {
	TopicName string
	Success   bool
	Messages  []Message
}

type InvalidResponse struct {
	ErrorMessage string
}

// Envelope holds exactly one variant. The set pointer determines the wire
// field number (1 through 7, in declaration order).
type Envelope struct {
	TopicRequest    *TopicRequest
	ProduceRequest  *ProduceRequest
	ConsumeRequest  *ConsumeRequest
	TopicResponse   *TopicResponse
	ProduceResponse *ProduceResponse
	ConsumeResponse *ConsumeResponse
	InvalidResponse *InvalidResponse
}

var (
	// ErrNoVariant is returned when an envelope has no variant set, on
	// encode or decode.
	ErrNoVariant = errors.New("protocol: envelope has no variant")
	// ErrMalformed is returned when envelope bytes do not parse.
	ErrMalformed = errors.New("protocol: malformed message")
)

const (
	fieldTopicRequest = iota + 1
	fieldProduceRequest
	fieldConsumeRequest
	fieldTopicResponse
	fieldProduceResponse
	fieldConsumeResponse
	fieldInvalidResponse
)

// Marshal encodes the envelope and its single variant.
func (e *Envelope) Marshal() ([]byte, error) {
	var num protowire.Number
	var body []byte
	switch {
	case e.TopicRequest != nil:
		num, body = fieldTopicRequest, e.TopicRequest.marshal()
	case e.ProduceRequest != nil:
		num, body = fieldProduceRequest, e.ProduceRequest.marshal()
	case e.ConsumeRequest != nil:
		num, body = fieldConsumeRequest, e.ConsumeRequest.marshal()
	case e.TopicResponse != nil:
		num, body = fieldTopicResponse, e.TopicResponse.marshal()
	case e.ProduceResponse != nil:
		num, body = fieldProduceResponse, e.ProduceResponse.marshal()
	case e.ConsumeResponse != nil:
		num, body = fieldConsumeResponse, e.ConsumeResponse.marshal()
	case e.InvalidResponse != nil:
		num, body = fieldInvalidResponse, e.InvalidResponse.marshal()
	default:
		return nil, ErrNoVariant
	}
	b := protowire.AppendTag(nil, num, protowire.BytesType)
	return protowire.AppendBytes(b, body), nil
}

// Unmarshal decodes one envelope. Bytes that do not parse, or that carry an
// unknown variant field, fail with ErrMalformed; bytes that carry no
// variant at all fail with ErrNoVariant.
func Unmarshal(b []byte) (*Envelope, error) {
	e := &Envelope{}
	found := false
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, errors.Wrap(ErrMalformed, "envelope tag")
		}
		b = b[n:]
		if typ != protowire.BytesType {
			return nil, errors.Wrapf(ErrMalformed, "envelope field %d has wire type %d", num, typ)
		}
		body, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return nil, errors.Wrap(ErrMalformed, "envelope body")
		}
		b = b[n:]

		var err error
		switch num {
		case fieldTopicRequest:
			e.TopicRequest, err = unmarshalTopicRequest(body)
		case fieldProduceRequest:
			e.ProduceRequest, err = unmarshalProduceRequest(body)
		case fieldConsumeRequest:
			e.ConsumeRequest, err = unmarshalConsumeRequest(body)
		case fieldTopicResponse:
			e.TopicResponse, err = unmarshalTopicResponse(body)
		case fieldProduceResponse:
			e.ProduceResponse, err = unmarshalProduceResponse(body)
		case fieldConsumeResponse:
			e.ConsumeResponse, err = unmarshalConsumeResponse(body)
		case fieldInvalidResponse:
			e.InvalidResponse, err = unmarshalInvalidResponse(body)
		default:
			return nil, errors.Wrapf(ErrMalformed, "unknown envelope field %d", num)
		}
		if err != nil {
			return nil, err
		}
		found = true
	}
	if !found {
		return nil, ErrNoVariant
	}
	return e, nil
}

// fieldScanner walks one message's fields. Decoders switch on the field
// number and pull the typed value; unknown fields are skipped so older
// readers tolerate newer writers.
type fieldScanner struct {
	b   []byte
	err error

	num protowire.Number
	typ protowire.Type
	val []byte
}

func newFieldScanner(b []byte) *fieldScanner {
	return &fieldScanner{b: b}
}

func (s *fieldScanner) next() bool {
	if s.err != nil || len(s.b) == 0 {
		return false
	}
	num, typ, n := protowire.ConsumeTag(s.b)
	if n < 0 {
		s.err = errors.Wrap(ErrMalformed, "field tag")
		return false
	}
	s.b = s.b[n:]
	s.num, s.typ = num, typ
	n = protowire.ConsumeFieldValue(num, typ, s.b)
	if n < 0 {
		s.err = errors.Wrapf(ErrMalformed, "field %d value", num)
		return false
	}
	s.val = s.b[:n]
	s.b = s.b[n:]
	return true
}

func (s *fieldScanner) varint() uint64 {
	if s.typ != protowire.VarintType {
		s.err = errors.Wrapf(ErrMalformed, "field %d: want varint", s.num)
		return 0
	}
	v, n := protowire.ConsumeVarint(s.val)
	if n < 0 {
		s.err = errors.Wrapf(ErrMalformed, "field %d varint", s.num)
		return 0
	}
	return v
}

func (s *fieldScanner) bytes() []byte {
	if s.typ != protowire.BytesType {
		s.err = errors.Wrapf(ErrMalformed, "field %d: want bytes", s.num)
		return nil
	}
	v, n := protowire.ConsumeBytes(s.val)
	if n < 0 {
		s.err = errors.Wrapf(ErrMalformed, "field %d bytes", s.num)
		return nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out
}

func (s *fieldScanner) string() string {
	return string(s.bytes())
}

func appendString(b []byte, num protowire.Number, v string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

func appendBytesField(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	var u uint64
	if v {
		u = 1
	}
	return appendVarint(b, num, u)
}

// MarshalMessage encodes one record into the form the broker stores as an
// opaque payload and returns intact in consume responses.
func MarshalMessage(m Message) []byte {
	var b []byte
	b = appendBytesField(b, 1, m.Key)
	b = appendBytesField(b, 2, m.Value)
	b = appendVarint(b, 3, m.Timestamp)
	return b
}

// UnmarshalMessage decodes one stored payload.
func UnmarshalMessage(b []byte) (Message, error) {
	var m Message
	s := newFieldScanner(b)
	for s.next() {
		switch s.num {
		case 1:
			m.Key = s.bytes()
		case 2:
			m.Value = s.bytes()
		case 3:
			m.Timestamp = s.varint()
		}
	}
	return m, s.err
}

func (r *TopicRequest) marshal() []byte {
	var b []byte
	b = appendString(b, 1, r.TopicName)
	b = appendVarint(b, 2, uint64(r.Kind))
	if r.MaxSegmentBytes != 0 {
		b = appendVarint(b, 3, r.MaxSegmentBytes)
	}
	if r.MaxRetentionBytes != 0 {
		b = appendVarint(b, 4, r.MaxRetentionBytes)
	}
	return b
}

func unmarshalTopicRequest(b []byte) (*TopicRequest, error) {
	r := &TopicRequest{}
	s := newFieldScanner(b)
	for s.next() {
		switch s.num {
		case 1:
			r.TopicName = s.string()
		case 2:
			r.Kind = TopicRequestKind(s.varint())
		case 3:
			r.MaxSegmentBytes = s.varint()
		case 4:
			r.MaxRetentionBytes = s.varint()
		}
	}
	return r, s.err
}

func (r *ProduceRequest) marshal() []byte {
	var b []byte
	b = appendString(b, 1, r.TopicName)
	for _, m := range r.Messages {
		b = appendBytesField(b, 2, MarshalMessage(m))
	}
	return b
}

func unmarshalProduceRequest(b []byte) (*ProduceRequest, error) {
	r := &ProduceRequest{}
	s := newFieldScanner(b)
	for s.next() {
		switch s.num {
		case 1:
			r.TopicName = s.string()
		case 2:
			m, err := UnmarshalMessage(s.bytes())
			if err != nil {
				return nil, err
			}
			r.Messages = append(r.Messages, m)
		}
	}
	return r, s.err
}

func (r *ConsumeRequest) marshal() []byte {
	var b []byte
	b = appendString(b, 1, r.TopicName)
	b = appendString(b, 2, r.ConsumerGroup)
	b = appendVarint(b, 3, r.TimeoutMs)
	return b
}

func unmarshalConsumeRequest(b []byte) (*ConsumeRequest, error) {
	r := &ConsumeRequest{}
	s := newFieldScanner(b)
	for s.next() {
		switch s.num {
		case 1:
			r.TopicName = s.string()
		case 2:
			r.ConsumerGroup = s.string()
		case 3:
			r.TimeoutMs = s.varint()
		}
	}
	return r, s.err
}

func (t TopicSummary) marshal() []byte {
	var b []byte
	b = appendString(b, 1, t.TopicName)
	for _, cg := range t.ConsumerGroups {
		b = appendString(b, 2, cg)
	}
	return b
}

func unmarshalTopicSummary(b []byte) (TopicSummary, error) {
	var t TopicSummary
	s := newFieldScanner(b)
	for s.next() {
		switch s.num {
		case 1:
			t.TopicName = s.string()
		case 2:
			t.ConsumerGroups = append(t.ConsumerGroups, s.string())
		}
	}
	return t, s.err
}

func (r *TopicResponse) marshal() []byte {
	var b []byte
	b = appendString(b, 1, r.TopicName)
	b = appendBool(b, 2, r.Success)
	b = appendVarint(b, 3, uint64(r.Kind))
	if r.MaxRetentionBytes != 0 {
		b = appendVarint(b, 4, r.MaxRetentionBytes)
	}
	if r.MaxSegmentBytes != 0 {
		b = appendVarint(b, 5, r.MaxSegmentBytes)
	}
	for _, cg := range r.ConsumerGroups {
		b = appendString(b, 6, cg)
	}
	for _, t := range r.Topics {
		b = appendBytesField(b, 7, t.marshal())
	}
	return b
}

func unmarshalTopicResponse(b []byte) (*TopicResponse, error) {
	r := &TopicResponse{}
	s := newFieldScanner(b)
	for s.next() {
		switch s.num {
		case 1:
			r.TopicName = s.string()
		case 2:
			r.Success = s.varint() != 0
		case 3:
			r.Kind = TopicRequestKind(s.varint())
		case 4:
			r.MaxRetentionBytes = s.varint()
		case 5:
			r.MaxSegmentBytes = s.varint()
		case 6:
			r.ConsumerGroups = append(r.ConsumerGroups, s.string())
		case 7:
			t, err := unmarshalTopicSummary(s.bytes())
			if err != nil {
				return nil, err
			}
			r.Topics = append(r.Topics, t)
		}
	}
	return r, s.err
}

func (r *ProduceResponse) marshal() []byte {
	var b []byte
	b = appendString(b, 1, r.TopicName)
	b = appendBool(b, 2, r.Success)
	b = appendVarint(b, 3, r.Offset)
	return b
}

func unmarshalProduceResponse(b []byte) (*ProduceResponse, error) {
	r := &ProduceResponse{}
	s := newFieldScanner(b)
	for s.next() {
		switch s.num {
		case 1:
			r.TopicName = s.string()
		case 2:
			r.Success = s.varint() != 0
		case 3:
			r.Offset = s.varint()
		}
	}
	return r, s.err
}

func (r *ConsumeResponse) marshal() []byte {
	var b []byte
	b = appendString(b, 1, r.TopicName)
	b = appendBool(b, 2, r.Success)
	for _, m := range r.Messages {
		b = appendBytesField(b, 3, MarshalMessage(m))
	}
	return b
}

func unmarshalConsumeResponse(b []byte) (*ConsumeResponse, error) {
	r := &ConsumeResponse{}
	s := newFieldScanner(b)
	for s.next() {
		switch s.num {
		case 1:
			r.TopicName = s.string()
		case 2:
			r.Success = s.varint() != 0
		case 3:
			m, err := UnmarshalMessage(s.bytes())
			if err != nil {
				return nil, err
			}
			r.Messages = append(r.Messages, m)
		}
	}
	return r, s.err
}

func (r *InvalidResponse) marshal() []byte {
	return appendString(nil, 1, r.ErrorMessage)
}

func unmarshalInvalidResponse(b []byte) (*InvalidResponse, error) {
	r := &InvalidResponse{}
	s := newFieldScanner(b)
	for s.next() {
		if s.num == 1 {
			r.ErrorMessage = s.string()
		}
	}
	return r, s.err
}
