package mask

import (
	"encoding/json"
	"fmt"
)

// String returns the COCO compressed form of the counts: a LEB128-like
// encoding with 6 bits per character in the ASCII range 48-111, where every
// count after the third is stored as a delta to the count two positions back.
func (r RLE) String() string {
	s := make([]byte, 0, len(r.Counts)*2)
	for i, cnt := range r.Counts {
		x := int64(cnt)
		if i > 2 {
			x -= int64(r.Counts[i-2])
		}
		for more := true; more; {
			c := byte(x & 0x1f)
			x >>= 5
			if c&0x10 != 0 {
				more = x != -1
			} else {
				more = x != 0
			}
			if more {
				c |= 0x20
			}
			s = append(s, c+48)
		}
	}
	return string(s)
}

// FrString decodes COCO compressed counts for an h-by-w mask.
func FrString(s string, h, w int) (RLE, error) {
	counts := make([]uint32, 0, len(s))
	for p := 0; p < len(s); {
		var x int64
		k := 0
		for more := true; more; {
			if p >= len(s) {
				return RLE{}, fmt.Errorf("mask: truncated counts string %q", s)
			}
			c := int64(s[p]) - 48
			if c < 0 || c > 63 {
				return RLE{}, fmt.Errorf("mask: invalid counts character %q", s[p])
			}
			x |= (c & 0x1f) << (5 * k)
			more = c&0x20 != 0
			p++
			k++
			if !more && c&0x10 != 0 {
				x |= -1 << (5 * k)
			}
		}
		if m := len(counts); m > 2 {
			x += int64(counts[m-2])
		}
		counts = append(counts, uint32(x))
	}
	return RLE{H: h, W: w, Counts: counts}, nil
}

type rleJSON struct {
	Size   [2]int          `json:"size"`
	Counts json.RawMessage `json:"counts"`
}

// MarshalJSON writes the COCO segmentation object {"size": [h, w], "counts": "..."}.
func (r RLE) MarshalJSON() ([]byte, error) {
	counts, err := json.Marshal(r.String())
	if err != nil {
		return nil, err
	}
	return json.Marshal(rleJSON{Size: [2]int{r.H, r.W}, Counts: counts})
}

// UnmarshalJSON reads a COCO segmentation object with either compressed
// (string) or uncompressed (list) counts.
func (r *RLE) UnmarshalJSON(b []byte) error {
	var raw rleJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	h, w := raw.Size[0], raw.Size[1]

	var s string
	if err := json.Unmarshal(raw.Counts, &s); err == nil {
		dec, err := FrString(s, h, w)
		if err != nil {
			return err
		}
		*r = dec
		return nil
	}

	var counts []uint32
	if err := json.Unmarshal(raw.Counts, &counts); err != nil {
		return fmt.Errorf("mask: counts must be a string or a list: %w", err)
	}
	*r = RLE{H: h, W: w, Counts: counts}
	return nil
}
