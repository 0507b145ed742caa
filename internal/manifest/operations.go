package manifest

import (
	"encoding/json"
	"fmt"

	"github.com/neondatabase/pageserver-go/internal/layer"
	"github.com/neondatabase/pageserver-go/internal/lsn"
)

// CurrentVersion is the only manifest version this package writes or
// accepts.
const CurrentVersion = 1

// RecordKind distinguishes an add from a remove within one atomic
// Operation frame.
type RecordKind string

const (
	AddLayer    RecordKind = "add"
	RemoveLayer RecordKind = "remove"
)

// Record is one layer addition or removal within an atomic operation.
type Record struct {
	Kind  RecordKind `json:"kind"`
	Layer string     `json:"layer"`
}

// LayerName parses the record's stored layer filename.
func (r Record) LayerName() (layer.Name, error) {
	return layer.Parse(r.Layer)
}

// NewAddRecord builds a Record that adds name.
func NewAddRecord(name layer.Name) Record {
	return Record{Kind: AddLayer, Layer: name.String()}
}

// NewRemoveRecord builds a Record that removes name.
func NewRemoveRecord(name layer.Name) Record {
	return Record{Kind: RemoveLayer, Layer: name.String()}
}

// Header is always the manifest's first frame.
type Header struct {
	Version int `json:"version"`
}

// Snapshot is a full point-in-time layer set. Init and Compact write
// one as the manifest's second frame, replayed before any following
// Operation frames; AppendSnapshot can append further ones later.
type Snapshot struct {
	Layers []string `json:"layers"`
	Lsn    lsn.Lsn  `json:"lsn"`
}

// LayerNames parses every layer filename the snapshot carries.
func (s Snapshot) LayerNames() ([]layer.Name, error) {
	out := make([]layer.Name, 0, len(s.Layers))
	for _, raw := range s.Layers {
		n, err := layer.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("manifest: parse snapshot layer %q: %w", raw, err)
		}
		out = append(out, n)
	}
	return out, nil
}

// Op is an atomic batch of layer adds/removes recorded at one LSN.
type Op struct {
	Records []Record `json:"records"`
	Lsn     lsn.Lsn  `json:"lsn"`
}

// kind tags which variant an Operation frame holds, since Go has no
// tagged union: each frame is decoded into operationEnvelope first,
// then the matching field is populated.
type kind string

const (
	kindHeader   kind = "header"
	kindSnapshot kind = "snapshot"
	kindOp       kind = "op"
)

// Operation is one decoded manifest frame: exactly one of Header,
// Snapshot, or Op is set, discriminated by Kind.
type Operation struct {
	Kind     kind
	Header   *Header
	Snapshot *Snapshot
	Op       *Op
}

type operationEnvelope struct {
	Kind     kind      `json:"kind"`
	Header   *Header   `json:"header,omitempty"`
	Snapshot *Snapshot `json:"snapshot,omitempty"`
	Op       *Op       `json:"op,omitempty"`
}

func (o Operation) marshalJSON() ([]byte, error) {
	return json.Marshal(operationEnvelope{Kind: o.Kind, Header: o.Header, Snapshot: o.Snapshot, Op: o.Op})
}

func unmarshalOperation(data []byte) (Operation, error) {
	var env operationEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Operation{}, err
	}
	switch env.Kind {
	case kindHeader:
		if env.Header == nil {
			return Operation{}, fmt.Errorf("manifest: header frame missing header payload")
		}
	case kindSnapshot:
		if env.Snapshot == nil {
			return Operation{}, fmt.Errorf("manifest: snapshot frame missing snapshot payload")
		}
	case kindOp:
		if env.Op == nil {
			return Operation{}, fmt.Errorf("manifest: op frame missing op payload")
		}
	default:
		return Operation{}, fmt.Errorf("manifest: unknown frame kind %q", env.Kind)
	}
	return Operation{Kind: env.Kind, Header: env.Header, Snapshot: env.Snapshot, Op: env.Op}, nil
}

func headerOperation(h Header) Operation     { return Operation{Kind: kindHeader, Header: &h} }
func snapshotOperation(s Snapshot) Operation { return Operation{Kind: kindSnapshot, Snapshot: &s} }
func opOperation(op Op) Operation            { return Operation{Kind: kindOp, Op: &op} }
