package rav

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
)

// Canonical encoding layout, all integers big-endian:
//
//	version            u8
//	chainId            u64
//	len(channelId)     u32
//	channelId          bytes
//	channelEpoch       u64
//	len(vmIdFragment)  u32
//	vmIdFragment       bytes
//	accumulatedAmount  32 bytes
//	nonce              u64
//
// Variable-length fields are length-prefixed, so the encoding is injective:
// two distinct SubRAVs can never share a byte string.

var (
	ErrAmountOverflow = errors.New("accumulated amount exceeds 256 bits")
	ErrAmountNegative = errors.New("accumulated amount is negative")
	ErrTruncated      = errors.New("truncated canonical encoding")
	ErrTrailingBytes  = errors.New("trailing bytes after canonical encoding")
)

const amountWidth = 32

// Encode produces the canonical byte encoding used for hashing and signing.
func (r *SubRAV) Encode() ([]byte, error) {
	amount := r.AccumulatedAmount
	if amount == nil {
		amount = new(big.Int)
	}
	if amount.Sign() < 0 {
		return nil, ErrAmountNegative
	}
	if amount.Cmp(MaxAccumulatedAmount) > 0 {
		return nil, ErrAmountOverflow
	}

	buf := new(bytes.Buffer)
	buf.Grow(1 + 8 + 4 + len(r.ChannelID) + 8 + 4 + len(r.VMIDFragment) + amountWidth + 8)

	buf.WriteByte(r.Version)
	writeUint64(buf, r.ChainID)
	writeBytes(buf, []byte(r.ChannelID))
	writeUint64(buf, r.ChannelEpoch)
	writeBytes(buf, []byte(r.VMIDFragment))

	amountBytes := make([]byte, amountWidth)
	amount.FillBytes(amountBytes)
	buf.Write(amountBytes)

	writeUint64(buf, r.Nonce)
	return buf.Bytes(), nil
}

// Decode parses a canonical encoding back into a SubRAV. The full input must
// be consumed; trailing bytes are rejected.
func Decode(data []byte) (*SubRAV, error) {
	d := &decoder{data: data}

	version, err := d.readByte()
	if err != nil {
		return nil, err
	}
	chainID, err := d.readUint64()
	if err != nil {
		return nil, err
	}
	channelID, err := d.readBytes()
	if err != nil {
		return nil, fmt.Errorf("channel id: %w", err)
	}
	epoch, err := d.readUint64()
	if err != nil {
		return nil, err
	}
	fragment, err := d.readBytes()
	if err != nil {
		return nil, fmt.Errorf("vm id fragment: %w", err)
	}
	amountBytes, err := d.readFixed(amountWidth)
	if err != nil {
		return nil, err
	}
	nonce, err := d.readUint64()
	if err != nil {
		return nil, err
	}
	if d.remaining() != 0 {
		return nil, ErrTrailingBytes
	}

	return &SubRAV{
		Version:           version,
		ChainID:           chainID,
		ChannelID:         string(channelID),
		ChannelEpoch:      epoch,
		VMIDFragment:      string(fragment),
		AccumulatedAmount: new(big.Int).SetBytes(amountBytes),
		Nonce:             nonce,
	}, nil
}

func writeUint64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

func writeBytes(buf *bytes.Buffer, b []byte) {
	var l [4]byte
	binary.BigEndian.PutUint32(l[:], uint32(len(b)))
	buf.Write(l[:])
	buf.Write(b)
}

type decoder struct {
	data []byte
	pos  int
}

func (d *decoder) remaining() int {
	return len(d.data) - d.pos
}

func (d *decoder) readByte() (byte, error) {
	if d.remaining() < 1 {
		return 0, ErrTruncated
	}
	b := d.data[d.pos]
	d.pos++
	return b, nil
}

func (d *decoder) readUint64() (uint64, error) {
	if d.remaining() < 8 {
		return 0, ErrTruncated
	}
	v := binary.BigEndian.Uint64(d.data[d.pos : d.pos+8])
	d.pos += 8
	return v, nil
}

func (d *decoder) readFixed(n int) ([]byte, error) {
	if d.remaining() < n {
		return nil, ErrTruncated
	}
	b := d.data[d.pos : d.pos+n]
	d.pos += n
	return b, nil
}

func (d *decoder) readBytes() ([]byte, error) {
	if d.remaining() < 4 {
		return nil, ErrTruncated
	}
	n := binary.BigEndian.Uint32(d.data[d.pos : d.pos+4])
	d.pos += 4
	return d.readFixed(int(n))
}
