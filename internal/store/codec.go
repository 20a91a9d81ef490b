package store

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/rcmuller25/PHCMOIS-sub001/internal/common"
	"github.com/rcmuller25/PHCMOIS-sub001/internal/cryptox"
)

// envelope wraps a stored payload with the markers needed to reverse the
// write path on read.
type envelope struct {
	Version    int    `json:"v"`
	Encrypted  bool   `json:"enc"`
	Compressed bool   `json:"gz"`
	Data       []byte `json:"data"`
}

const envelopeVersion = 1

// codec applies the optional encrypt-then-compress transformation of the
// write path and its reverse on read. Encryption and compression failures
// degrade to the plain representation with a fault report; decryption
// failures are fatal for the payload.
type codec struct {
	key       []byte
	threshold int
	faults    common.FaultReporter
}

// Encode seals (for sensitive collections) and compresses (above the
// threshold) the serialized payload, returning the envelope blob to persist.
func (c *codec) Encode(ctx context.Context, payload []byte, sensitive bool) ([]byte, error) {
	env := envelope{Version: envelopeVersion, Data: payload}

	if sensitive && len(c.key) > 0 {
		sealed, err := cryptox.Seal(env.Data, c.key)
		if err != nil {
			c.faults.Report(ctx, common.SeverityError, "store.codec", err, map[string]any{"op": "seal"})
		} else {
			env.Data = sealed
			env.Encrypted = true
		}
	}

	if c.threshold > 0 && len(payload) > c.threshold {
		compressed, err := gzipBytes(env.Data)
		if err != nil {
			c.faults.Report(ctx, common.SeverityWarning, "store.codec", err, map[string]any{"op": "gzip"})
		} else {
			env.Data = compressed
			env.Compressed = true
		}
	}

	return json.Marshal(env)
}

// Decode reverses Encode: decompress, then decrypt. A blob that is not an
// envelope is treated as an already-plain payload.
func (c *codec) Decode(ctx context.Context, blob []byte) ([]byte, error) {
	if len(blob) == 0 {
		return nil, nil
	}

	var env envelope
	if err := json.Unmarshal(blob, &env); err != nil || env.Version == 0 {
		return blob, nil
	}

	data := env.Data

	if env.Compressed {
		plain, err := gunzipBytes(data)
		if err != nil {
			// Fall back to treating the data as already-plain.
			c.faults.Report(ctx, common.SeverityWarning, "store.codec", err, map[string]any{"op": "gunzip"})
		} else {
			data = plain
		}
	}

	if env.Encrypted {
		if len(c.key) == 0 {
			return nil, fmt.Errorf("%w: payload is encrypted and no key is configured", common.ErrStorage)
		}
		plain, err := cryptox.Open(data, c.key)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", common.ErrStorage, err)
		}
		data = plain
	}

	return data, nil
}

func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gunzipBytes(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
