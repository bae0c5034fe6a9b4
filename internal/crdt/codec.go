package crdt

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"sort"
)

// EncodeStateVector serializes a state vector into a compact binary form:
// a count followed by (replica-len, replica, seq) triples, sorted by
// replica so the encoding is deterministic.
func EncodeStateVector(sv map[string]uint64) []byte {
	replicas := make([]string, 0, len(sv))
	for r := range sv {
		replicas = append(replicas, r)
	}
	sort.Strings(replicas)

	var buf bytes.Buffer
	writeUvarint(&buf, uint64(len(replicas)))
	for _, r := range replicas {
		writeUvarint(&buf, uint64(len(r)))
		buf.WriteString(r)
		writeUvarint(&buf, sv[r])
	}
	return buf.Bytes()
}

// DecodeStateVector parses the format EncodeStateVector produces.
func DecodeStateVector(b []byte) (map[string]uint64, error) {
	r := bytes.NewReader(b)
	n, err := binary.ReadUvarint(r)
	if err != nil {
		if len(b) == 0 {
			return map[string]uint64{}, nil
		}
		return nil, fmt.Errorf("crdt: decode state vector count: %w", err)
	}
	sv := make(map[string]uint64, n)
	for i := uint64(0); i < n; i++ {
		nameLen, err := binary.ReadUvarint(r)
		if err != nil {
			return nil, fmt.Errorf("crdt: decode replica name length: %w", err)
		}
		name := make([]byte, nameLen)
		if _, err := io.ReadFull(r, name); err != nil {
			return nil, fmt.Errorf("crdt: decode replica name: %w", err)
		}
		seq, err := binary.ReadUvarint(r)
		if err != nil {
			return nil, fmt.Errorf("crdt: decode replica seq: %w", err)
		}
		sv[string(name)] = seq
	}
	return sv, nil
}

// EncodeUpdate serializes a set of Ops into a single update blob: a count
// followed by (replica-len, replica, seq, payload-len, payload) tuples.
func EncodeUpdate(ops []Op) []byte {
	var buf bytes.Buffer
	writeUvarint(&buf, uint64(len(ops)))
	for _, op := range ops {
		writeUvarint(&buf, uint64(len(op.Replica)))
		buf.WriteString(op.Replica)
		writeUvarint(&buf, op.Seq)
		writeUvarint(&buf, uint64(len(op.Payload)))
		buf.Write(op.Payload)
	}
	return buf.Bytes()
}

// DecodeUpdate parses the format EncodeUpdate produces. A malformed blob
// returns an error the caller should treat as a corrupt-update condition:
// drop the frame, log, and leave the DocState untouched.
func DecodeUpdate(b []byte) ([]Op, error) {
	r := bytes.NewReader(b)
	n, err := binary.ReadUvarint(r)
	if err != nil {
		if len(b) == 0 {
			return nil, nil
		}
		return nil, fmt.Errorf("crdt: decode update count: %w", err)
	}
	ops := make([]Op, 0, n)
	for i := uint64(0); i < n; i++ {
		nameLen, err := binary.ReadUvarint(r)
		if err != nil {
			return nil, fmt.Errorf("crdt: decode op replica length: %w", err)
		}
		name := make([]byte, nameLen)
		if _, err := io.ReadFull(r, name); err != nil {
			return nil, fmt.Errorf("crdt: decode op replica: %w", err)
		}
		seq, err := binary.ReadUvarint(r)
		if err != nil {
			return nil, fmt.Errorf("crdt: decode op seq: %w", err)
		}
		payloadLen, err := binary.ReadUvarint(r)
		if err != nil {
			return nil, fmt.Errorf("crdt: decode op payload length: %w", err)
		}
		payload := make([]byte, payloadLen)
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, fmt.Errorf("crdt: decode op payload: %w", err)
		}
		ops = append(ops, Op{Replica: string(name), Seq: seq, Payload: payload})
	}
	return ops, nil
}

func writeUvarint(buf *bytes.Buffer, v uint64) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	buf.Write(tmp[:n])
}
