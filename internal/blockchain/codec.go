package blockchain

import (
	"encoding/binary"
	"fmt"
)

// EncodeTransaction produces the deterministic byte-for-byte wire form
// stored under tx_data:{id} and as block.Transactions entries. Round-trips
// through DecodeTransaction to an equal value.
func EncodeTransaction(tx Transaction) []byte {
	buf := make([]byte, 0, 8+32+4+len(tx.Data)+8+8)
	buf = binary.BigEndian.AppendUint64(buf, tx.ID)
	buf = append(buf, tx.Sender[:]...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(tx.Data)))
	buf = append(buf, tx.Data...)
	buf = binary.BigEndian.AppendUint64(buf, tx.Timestamp)
	buf = binary.BigEndian.AppendUint64(buf, tx.Nonce)
	return buf
}

// DecodeTransaction is the inverse of EncodeTransaction.
func DecodeTransaction(b []byte) (Transaction, int, error) {
	var tx Transaction
	if len(b) < 8+32+4 {
		return tx, 0, fmt.Errorf("decode transaction: short buffer (%d bytes)", len(b))
	}
	off := 0
	tx.ID = binary.BigEndian.Uint64(b[off:])
	off += 8
	copy(tx.Sender[:], b[off:off+32])
	off += 32
	dataLen := int(binary.BigEndian.Uint32(b[off:]))
	off += 4
	if len(b) < off+dataLen+16 {
		return tx, 0, fmt.Errorf("decode transaction: data length %d exceeds buffer", dataLen)
	}
	tx.Data = append([]byte(nil), b[off:off+dataLen]...)
	off += dataLen
	tx.Timestamp = binary.BigEndian.Uint64(b[off:])
	off += 8
	tx.Nonce = binary.BigEndian.Uint64(b[off:])
	off += 8
	return tx, off, nil
}

// EncodeBlock produces the deterministic byte form stored under
// block:height:{h} and block:hash:{hex}.
func EncodeBlock(b Block) []byte {
	buf := make([]byte, 0, 256)
	buf = binary.BigEndian.AppendUint64(buf, b.Height)
	buf = append(buf, b.PreviousBlockHash[:]...)
	buf = binary.BigEndian.AppendUint64(buf, b.Timestamp)
	buf = binary.BigEndian.AppendUint32(buf, b.TransactionCount)
	buf = append(buf, b.TransactionsRoot[:]...)
	buf = append(buf, b.StateRoot[:]...)
	buf = append(buf, b.BlockHash[:]...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(b.Transactions)))
	for _, tx := range b.Transactions {
		enc := EncodeTransaction(tx)
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(enc)))
		buf = append(buf, enc...)
	}
	return buf
}

// DecodeBlock is the inverse of EncodeBlock.
func DecodeBlock(b []byte) (Block, error) {
	var blk Block
	if len(b) < 8+32+8+4+32+32+32+4 {
		return blk, fmt.Errorf("decode block: short buffer (%d bytes)", len(b))
	}
	off := 0
	blk.Height = binary.BigEndian.Uint64(b[off:])
	off += 8
	copy(blk.PreviousBlockHash[:], b[off:off+32])
	off += 32
	blk.Timestamp = binary.BigEndian.Uint64(b[off:])
	off += 8
	blk.TransactionCount = binary.BigEndian.Uint32(b[off:])
	off += 4
	copy(blk.TransactionsRoot[:], b[off:off+32])
	off += 32
	copy(blk.StateRoot[:], b[off:off+32])
	off += 32
	copy(blk.BlockHash[:], b[off:off+32])
	off += 32
	txCount := int(binary.BigEndian.Uint32(b[off:]))
	off += 4

	blk.Transactions = make([]Transaction, 0, txCount)
	for i := 0; i < txCount; i++ {
		if len(b) < off+4 {
			return blk, fmt.Errorf("decode block: truncated transaction length at index %d", i)
		}
		txLen := int(binary.BigEndian.Uint32(b[off:]))
		off += 4
		if len(b) < off+txLen {
			return blk, fmt.Errorf("decode block: truncated transaction body at index %d", i)
		}
		tx, _, err := DecodeTransaction(b[off : off+txLen])
		if err != nil {
			return blk, fmt.Errorf("decode block: transaction %d: %w", i, err)
		}
		off += txLen
		blk.Transactions = append(blk.Transactions, tx)
	}
	return blk, nil
}
