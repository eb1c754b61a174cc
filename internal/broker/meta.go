package broker

import (
	"bytes"
	"os"
	"path/filepath"

	"github.com/natefinch/atomic"
	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// The metadata file is a compact binary image of the broker: its base
// directory and size parameters, and for each topic its name, directory,
// size parameters, and (group name, offset) pairs. Segment files are not
// listed; they are rediscovered by scanning each topic's directory. The
// file is rewritten in full on every mutation and replaced atomically.

const metaFileName = "lucidmq.meta"

var errMetaCorrupt = errors.New("broker: metadata file corrupt")

type groupMeta struct {
	Name   string
	Offset uint64
}

type topicMeta struct {
	Name              string
	Directory         string
	MaxSegmentBytes   uint64
	MaxRetentionBytes uint64
	Groups            []groupMeta
}

type brokerMeta struct {
	BaseDirectory   string
	MaxSegmentBytes uint64
	MaxTopicBytes   uint64
	Topics          []topicMeta
}

func (m *brokerMeta) marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendString(b, m.BaseDirectory)
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, m.MaxSegmentBytes)
	b = protowire.AppendTag(b, 3, protowire.VarintType)
	b = protowire.AppendVarint(b, m.MaxTopicBytes)
	for _, t := range m.Topics {
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendBytes(b, t.marshal())
	}
	return b
}

func (t *topicMeta) marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendString(b, t.Name)
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendString(b, t.Directory)
	b = protowire.AppendTag(b, 3, protowire.VarintType)
	b = protowire.AppendVarint(b, t.MaxSegmentBytes)
	b = protowire.AppendTag(b, 4, protowire.VarintType)
	b = protowire.AppendVarint(b, t.MaxRetentionBytes)
	for _, g := range t.Groups {
		var gb []byte
		gb = protowire.AppendTag(gb, 1, protowire.BytesType)
		gb = protowire.AppendString(gb, g.Name)
		gb = protowire.AppendTag(gb, 2, protowire.VarintType)
		gb = protowire.AppendVarint(gb, g.Offset)
		b = protowire.AppendTag(b, 5, protowire.BytesType)
		b = protowire.AppendBytes(b, gb)
	}
	return b
}

// scanFields walks b calling visit for each field; visit pulls the value
// it expects and reports malformed content.
func scanFields(b []byte, visit func(num protowire.Number, typ protowire.Type, val []byte) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return errors.Wrap(errMetaCorrupt, "field tag")
		}
		b = b[n:]
		n = protowire.ConsumeFieldValue(num, typ, b)
		if n < 0 {
			return errors.Wrapf(errMetaCorrupt, "field %d value", num)
		}
		if err := visit(num, typ, b[:n]); err != nil {
			return err
		}
		b = b[n:]
	}
	return nil
}

func consumeString(val []byte) (string, error) {
	v, n := protowire.ConsumeBytes(val)
	if n < 0 {
		return "", errors.Wrap(errMetaCorrupt, "string field")
	}
	return string(v), nil
}

func consumeUint(val []byte) (uint64, error) {
	v, n := protowire.ConsumeVarint(val)
	if n < 0 {
		return 0, errors.Wrap(errMetaCorrupt, "varint field")
	}
	return v, nil
}

func consumeSub(val []byte) ([]byte, error) {
	v, n := protowire.ConsumeBytes(val)
	if n < 0 {
		return nil, errors.Wrap(errMetaCorrupt, "nested field")
	}
	return v, nil
}

func unmarshalBrokerMeta(b []byte) (*brokerMeta, error) {
	m := &brokerMeta{}
	err := scanFields(b, func(num protowire.Number, _ protowire.Type, val []byte) error {
		var err error
		switch num {
		case 1:
			m.BaseDirectory, err = consumeString(val)
		case 2:
			m.MaxSegmentBytes, err = consumeUint(val)
		case 3:
			m.MaxTopicBytes, err = consumeUint(val)
		case 4:
			var sub []byte
			if sub, err = consumeSub(val); err == nil {
				var t topicMeta
				if t, err = unmarshalTopicMeta(sub); err == nil {
					m.Topics = append(m.Topics, t)
				}
			}
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

func unmarshalTopicMeta(b []byte) (topicMeta, error) {
	var t topicMeta
	err := scanFields(b, func(num protowire.Number, _ protowire.Type, val []byte) error {
		var err error
		switch num {
		case 1:
			t.Name, err = consumeString(val)
		case 2:
			t.Directory, err = consumeString(val)
		case 3:
			t.MaxSegmentBytes, err = consumeUint(val)
		case 4:
			t.MaxRetentionBytes, err = consumeUint(val)
		case 5:
			var sub []byte
			if sub, err = consumeSub(val); err == nil {
				var g groupMeta
				if g, err = unmarshalGroupMeta(sub); err == nil {
					t.Groups = append(t.Groups, g)
				}
			}
		}
		return err
	})
	return t, err
}

func unmarshalGroupMeta(b []byte) (groupMeta, error) {
	var g groupMeta
	err := scanFields(b, func(num protowire.Number, _ protowire.Type, val []byte) error {
		var err error
		switch num {
		case 1:
			g.Name, err = consumeString(val)
		case 2:
			g.Offset, err = consumeUint(val)
		}
		return err
	})
	return g, err
}

// writeMeta replaces the metadata file with the snapshot in one atomic
// rename, so a crashed flush never leaves a half-written file behind.
func writeMeta(baseDirectory string, m *brokerMeta) error {
	path := filepath.Join(baseDirectory, metaFileName)
	if err := atomic.WriteFile(path, bytes.NewReader(m.marshal())); err != nil {
		return errors.Wrap(err, "writing metadata file")
	}
	return nil
}

// readMeta loads the metadata file. A missing file is not an error; it
// reports ok=false so the caller initializes an empty broker.
func readMeta(baseDirectory string) (*brokerMeta, bool, error) {
	b, err := os.ReadFile(filepath.Join(baseDirectory, metaFileName))
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrap(err, "reading metadata file")
	}
	m, err := unmarshalBrokerMeta(b)
	if err != nil {
		return nil, false, err
	}
	return m, true, nil
}
