package state

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/klauspost/compress/zstd"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/kokki/pkg/engine"
)

// Encoding names accepted in targets.
const (
	FormatYAML   = "yaml"
	FormatJSON   = "json"
	FormatBinary = "binary"
)

// DefaultFormat is used when a target has no format prefix.
const DefaultFormat = FormatYAML

// Envelope constants.
const (
	Kind    = "kokki.Kitchen"
	Version = 1
)

// binaryMagic opens every binary dump.
var binaryMagic = []byte("KOKKIDMP")

// Codec reads and writes documents in one encoding.
type Codec interface {
	Encode(w io.Writer, doc *Document) error
	Decode(r io.Reader) (*Document, error)
}

var codecs = map[string]Codec{
	FormatYAML:   yamlCodec{},
	FormatJSON:   jsonCodec{},
	FormatBinary: binaryCodec{},
}

// Formats returns the supported encodings in lexical order.
func Formats() []string {
	out := make([]string, 0, len(codecs))
	for name := range codecs {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// CodecFor returns the codec for format, or an UNKNOWN_FORMAT user error.
func CodecFor(format string) (Codec, error) {
	c, ok := codecs[format]
	if !ok {
		return nil, engine.NewUserError(engine.ErrCodeUnknownFormat,
			fmt.Sprintf("unknown state format %q (supported: %v)", format, Formats()), nil)
	}
	return c, nil
}

type yamlCodec struct{}

func (yamlCodec) Encode(w io.Writer, doc *Document) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("failed to encode yaml state: %w", err)
	}
	return enc.Close()
}

func (yamlCodec) Decode(r io.Reader) (*Document, error) {
	var doc Document
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode yaml state: %w", err)
	}
	if doc.Version == 0 {
		doc.Version = Version
	}
	return &doc, checkVersion(doc.Version)
}

// envelope wraps JSON dumps so readers can tell what they hold.
type envelope struct {
	Kind    string    `json:"kind"`
	Version int       `json:"version"`
	State   *Document `json:"state"`
}

type jsonCodec struct{}

func (jsonCodec) Encode(w io.Writer, doc *Document) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(envelope{Kind: Kind, Version: doc.Version, State: doc}); err != nil {
		return fmt.Errorf("failed to encode json state: %w", err)
	}
	return nil
}

func (jsonCodec) Decode(r io.Reader) (*Document, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()
	var env envelope
	if err := dec.Decode(&env); err != nil {
		return nil, fmt.Errorf("failed to decode json state: %w", err)
	}
	if env.Kind != Kind {
		return nil, fmt.Errorf("not a kitchen dump: kind %q", env.Kind)
	}
	if env.State == nil {
		return nil, fmt.Errorf("json state has no \"state\" document")
	}
	if err := checkVersion(env.Version); err != nil {
		return nil, err
	}
	env.State.Version = env.Version
	env.State.normalize()
	return env.State, nil
}

// binaryCodec writes the magic, a big-endian uint16 version and the JSON
// document compressed with zstd.
type binaryCodec struct{}

func (binaryCodec) Encode(w io.Writer, doc *Document) error {
	var header [10]byte
	copy(header[:], binaryMagic)
	binary.BigEndian.PutUint16(header[8:], uint16(doc.Version))
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("failed to write binary header: %w", err)
	}

	zw, err := zstd.NewWriter(w)
	if err != nil {
		return fmt.Errorf("failed to create zstd writer: %w", err)
	}
	if err := json.NewEncoder(zw).Encode(doc); err != nil {
		_ = zw.Close()
		return fmt.Errorf("failed to encode binary state: %w", err)
	}
	return zw.Close()
}

func (binaryCodec) Decode(r io.Reader) (*Document, error) {
	var header [10]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, fmt.Errorf("failed to read binary header: %w", err)
	}
	if !bytes.Equal(header[:8], binaryMagic) {
		return nil, fmt.Errorf("not a binary kitchen dump")
	}
	version := int(binary.BigEndian.Uint16(header[8:]))
	if err := checkVersion(version); err != nil {
		return nil, err
	}

	zr, err := zstd.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd reader: %w", err)
	}
	defer zr.Close()

	dec := json.NewDecoder(zr)
	dec.UseNumber()
	var doc Document
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode binary state: %w", err)
	}
	doc.Version = version
	doc.normalize()
	return &doc, nil
}

func checkVersion(v int) error {
	if v < 1 || v > Version {
		return fmt.Errorf("unsupported state version %d (this build reads up to %d)", v, Version)
	}
	return nil
}
