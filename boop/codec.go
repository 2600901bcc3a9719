// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package boop

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

const (
	addrLen   = common.AddressLength
	wordLen   = 32
	nonceLen  = 8
	gasLen    = 4
	lenPrefix = 4

	// FixedLen is the length of the fixed-offset portion of an encoded Boop.
	FixedLen = 3*addrLen + wordLen + TrackLen + nonceLen + 2*wordLen + 4*gasLen

	// MinEncodedLen is the length of an encoded Boop with no variable data.
	MinEncodedLen = FixedLen + 3*lenPrefix
)

// ErrMalformed is returned from Decode for any input that is not a valid
// Boop encoding.
var ErrMalformed = errors.New("malformed boop encoding")

// Encode serializes the Boop in the fixed-offset layout understood by the
// EntryPoint: account, dest, payer, value, nonce track, nonce value,
// maxFeePerGas, submitterFee, the four gas limits, then callData,
// validatorData and extraData, each prefixed with a 4-byte big-endian length.
// Integers wider than their field are truncated to the field's low bytes, so
// callers should validate with CheckRanges first.
func Encode(b *Boop) []byte {
	buf := make([]byte, 0, MinEncodedLen+len(b.CallData)+len(b.ValidatorData)+len(b.ExtraData))
	buf = append(buf, b.Account[:]...)
	buf = append(buf, b.Dest[:]...)
	buf = append(buf, b.Payer[:]...)
	buf = appendWord(buf, b.Value)
	buf = append(buf, b.NonceTrack[:]...)
	buf = binary.BigEndian.AppendUint64(buf, b.NonceValue)
	buf = appendWord(buf, b.MaxFeePerGas)
	buf = appendWord(buf, b.SubmitterFee)
	buf = binary.BigEndian.AppendUint32(buf, b.GasLimit)
	buf = binary.BigEndian.AppendUint32(buf, b.ValidateGasLimit)
	buf = binary.BigEndian.AppendUint32(buf, b.ValidatePaymentGasLimit)
	buf = binary.BigEndian.AppendUint32(buf, b.ExecuteGasLimit)
	for _, field := range [][]byte{b.CallData, b.ValidatorData, b.ExtraData} {
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(field)))
		buf = append(buf, field...)
	}
	return buf
}

func appendWord(buf []byte, i *big.Int) []byte {
	var w [wordLen]byte
	if i != nil && i.Sign() > 0 {
		b := i.Bytes()
		if len(b) > wordLen {
			b = b[len(b)-wordLen:]
		}
		copy(w[wordLen-len(b):], b)
	}
	return append(buf, w[:]...)
}

// CheckRanges verifies that the Boop's integer fields fit the encoding.
func CheckRanges(b *Boop) error {
	for _, f := range []struct {
		name string
		v    *big.Int
	}{
		{"value", b.Value},
		{"maxFeePerGas", b.MaxFeePerGas},
		{"submitterFee", b.SubmitterFee},
	} {
		if f.v != nil && (f.v.Sign() < 0 || f.v.BitLen() > wordLen*8) {
			return fmt.Errorf("%s out of range", f.name)
		}
	}
	return nil
}

// Decode parses an encoded Boop. Trailing bytes are an error.
func Decode(enc []byte) (*Boop, error) {
	if len(enc) < MinEncodedLen {
		return nil, fmt.Errorf("%w: %d bytes is shorter than the minimum %d", ErrMalformed, len(enc), MinEncodedLen)
	}
	r := &reader{b: enc}
	b := new(Boop)
	copy(b.Account[:], r.next(addrLen))
	copy(b.Dest[:], r.next(addrLen))
	copy(b.Payer[:], r.next(addrLen))
	b.Value = new(big.Int).SetBytes(r.next(wordLen))
	copy(b.NonceTrack[:], r.next(TrackLen))
	b.NonceValue = binary.BigEndian.Uint64(r.next(nonceLen))
	b.MaxFeePerGas = new(big.Int).SetBytes(r.next(wordLen))
	b.SubmitterFee = new(big.Int).SetBytes(r.next(wordLen))
	b.GasLimit = binary.BigEndian.Uint32(r.next(gasLen))
	b.ValidateGasLimit = binary.BigEndian.Uint32(r.next(gasLen))
	b.ValidatePaymentGasLimit = binary.BigEndian.Uint32(r.next(gasLen))
	b.ExecuteGasLimit = binary.BigEndian.Uint32(r.next(gasLen))
	var err error
	if b.CallData, err = r.prefixed("callData"); err != nil {
		return nil, err
	}
	if b.ValidatorData, err = r.prefixed("validatorData"); err != nil {
		return nil, err
	}
	if b.ExtraData, err = r.prefixed("extraData"); err != nil {
		return nil, err
	}
	if r.remaining() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformed, r.remaining())
	}
	return b, nil
}

type reader struct {
	b   []byte
	pos int
}

func (r *reader) remaining() int {
	return len(r.b) - r.pos
}

// next must only be called with n <= remaining.
func (r *reader) next(n int) []byte {
	s := r.b[r.pos : r.pos+n]
	r.pos += n
	return s
}

func (r *reader) prefixed(name string) ([]byte, error) {
	if r.remaining() < lenPrefix {
		return nil, fmt.Errorf("%w: missing %s length", ErrMalformed, name)
	}
	n := binary.BigEndian.Uint32(r.next(lenPrefix))
	if uint64(n) > uint64(r.remaining()) {
		return nil, fmt.Errorf("%w: %s length %d exceeds remaining %d bytes", ErrMalformed, name, n, r.remaining())
	}
	out := make([]byte, n)
	copy(out, r.next(int(n)))
	return out, nil
}

// Normalized returns the copy of the Boop that is hashed. Validator data is
// dropped since it usually carries the signature over the hash. For boops
// paid by someone else, the gas and fee fields are zeroed since the
// submitter fills them after the account has signed.
func Normalized(b *Boop) *Boop {
	n := b.Copy()
	n.ValidatorData = []byte{}
	if !n.IsSelfPaying() {
		n.GasLimit = 0
		n.ValidateGasLimit = 0
		n.ValidatePaymentGasLimit = 0
		n.ExecuteGasLimit = 0
		n.MaxFeePerGas = new(big.Int)
		n.SubmitterFee = new(big.Int)
	}
	return n
}

// Hash computes the Boop's identity on the chain with the given ID.
func Hash(b *Boop, chainID *big.Int) common.Hash {
	var salt common.Hash
	if chainID != nil {
		salt = common.BigToHash(chainID)
	}
	return crypto.Keccak256Hash(Encode(Normalized(b)), salt[:])
}
