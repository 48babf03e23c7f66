package envelope

import (
	"encoding/json"
	"fmt"
)

// Batch is an ordered group of envelopes serialized into one transport frame.
type Batch struct {
	Envelopes []*Envelope `json:"envelopes"`
}

// Size returns the accounted byte size of all envelopes in the batch.
func (b *Batch) Size() int {
	total := 0
	for _, e := range b.Envelopes {
		total += e.Size()
	}
	return total
}

// Encode serializes the batch into a single wire frame.
func (b *Batch) Encode() ([]byte, error) {
	data, err := json.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("encode batch: %w", err)
	}
	return data, nil
}

// DecodeBatch parses a wire frame back into a batch.
func DecodeBatch(frame []byte) (*Batch, error) {
	var b Batch
	if err := json.Unmarshal(frame, &b); err != nil {
		return nil, fmt.Errorf("decode batch: %w", err)
	}
	return &b, nil
}
