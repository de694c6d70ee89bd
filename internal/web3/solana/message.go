package solana

import (
	"bytes"
	"crypto/ed25519"
	"encoding/binary"
	"fmt"

	"github.com/mr-tron/base58"
)

// transferCheckedIx is the SPL token instruction index of TransferChecked.
const transferCheckedIx = 12

type transferParams struct {
	owner       string
	source      string
	destination string
	mint        string
	amount      uint64
	decimals    uint8
	blockhash   string
}

// transferCheckedMessage serialises a legacy message carrying one
// TransferChecked instruction. Account order:
//
//	0 owner (signer, writable)
//	1 source token account (writable)
//	2 destination token account (writable)
//	3 mint (readonly)
//	4 token program (readonly)
func transferCheckedMessage(params transferParams) ([]byte, error) {
	keys := make([][]byte, 0, 5)
	for _, encoded := range []string{params.owner, params.source, params.destination, params.mint, TokenProgramID} {
		key, err := decodePublicKey(encoded)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	blockhash, err := base58.Decode(params.blockhash)
	if err != nil || len(blockhash) != 32 {
		return nil, fmt.Errorf("invalid blockhash %q", params.blockhash)
	}

	data := make([]byte, 0, 10)
	data = append(data, transferCheckedIx)
	data = binary.LittleEndian.AppendUint64(data, params.amount)
	data = append(data, params.decimals)

	var buf bytes.Buffer
	// header: required signatures, readonly signed, readonly unsigned
	buf.Write([]byte{1, 0, 2})
	writeCompactU16(&buf, len(keys))
	for _, key := range keys {
		buf.Write(key)
	}
	buf.Write(blockhash)

	writeCompactU16(&buf, 1)
	buf.WriteByte(4)
	accounts := []byte{1, 3, 2, 0}
	writeCompactU16(&buf, len(accounts))
	buf.Write(accounts)
	writeCompactU16(&buf, len(data))
	buf.Write(data)
	return buf.Bytes(), nil
}

// signTransaction prefixes the message with its single signature.
func signTransaction(priv ed25519.PrivateKey, message []byte) []byte {
	sig := ed25519.Sign(priv, message)
	var buf bytes.Buffer
	writeCompactU16(&buf, 1)
	buf.Write(sig)
	buf.Write(message)
	return buf.Bytes()
}

func writeCompactU16(buf *bytes.Buffer, n int) {
	v := uint16(n)
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v == 0 {
			buf.WriteByte(b)
			return
		}
		buf.WriteByte(b | 0x80)
	}
}
