package resultlog

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/JakeFAU/follower-crawler/internal/crawler"
)

// EncodeRecord writes one result as [id][outcome] followed, for successes
// only, by [count][follower]*count. All fields are big-endian int32.
func EncodeRecord(w io.Writer, r crawler.Result) error {
	size := 8
	if r.Successful() {
		size += 4 + 4*len(r.Followers)
	}
	buf := make([]byte, 0, size)
	buf = binary.BigEndian.AppendUint32(buf, uint32(r.ID))
	buf = binary.BigEndian.AppendUint32(buf, uint32(r.Outcome))
	if r.Successful() {
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(r.Followers)))
		for _, f := range r.Followers {
			buf = binary.BigEndian.AppendUint32(buf, uint32(f))
		}
	}
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write record %d: %w", r.ID, err)
	}
	return nil
}

// DecodeRecord reads one record. It returns io.EOF when r is exhausted on a
// record boundary and io.ErrUnexpectedEOF for a truncated record.
func DecodeRecord(r io.Reader) (crawler.Result, error) {
	var head [8]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return crawler.Result{}, err
	}
	id := crawler.ID(binary.BigEndian.Uint32(head[0:]))
	outcome, err := crawler.ParseOutcome(int32(binary.BigEndian.Uint32(head[4:])))
	if err != nil {
		return crawler.Result{}, fmt.Errorf("record %d: %w", id, err)
	}
	if outcome != crawler.OutcomeSuccess {
		return crawler.NewFailure(id, outcome), nil
	}

	var countBuf [4]byte
	if _, err := io.ReadFull(r, countBuf[:]); err != nil {
		return crawler.Result{}, truncated(err)
	}
	count := int32(binary.BigEndian.Uint32(countBuf[:]))
	if count < 0 {
		return crawler.Result{}, fmt.Errorf("record %d: negative follower count %d", id, count)
	}
	payload := make([]byte, 4*int(count))
	if _, err := io.ReadFull(r, payload); err != nil {
		return crawler.Result{}, truncated(err)
	}
	followers := make([]crawler.ID, count)
	for i := range followers {
		followers[i] = crawler.ID(binary.BigEndian.Uint32(payload[4*i:]))
	}
	return crawler.NewSuccess(id, followers), nil
}

// ReadAll decodes records until r is exhausted.
func ReadAll(r io.Reader) ([]crawler.Result, error) {
	var out []crawler.Result
	for {
		rec, err := DecodeRecord(r)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, rec)
	}
}

func truncated(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}
