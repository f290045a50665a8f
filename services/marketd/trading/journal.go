package trading

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"lukechampine.com/blake3"

	"curvemarket/native/ledger"
	"curvemarket/services/marketd/storage"
)

// The journal records every applied trade with a digest chained over the
// previous entry, so any edit or reordering of the history is detectable.
// Column meaning per operation:
//
//	buy     amount_in = stable paid, amount_out = market tokens minted
//	sell    amount_in = market tokens sold, amount_out = stable paid out
//	realize amount_in = claim tokens burned, amount_out = market tokens minted
//	burn    amount_in = market tokens destroyed, amount_out = 0
//
// worth is always the 18-decimal stable value moved (zero for burns) and
// price is the marginal price after the trade and any controller step.
// beneficiary and dev_account pin the mint targets at trade time, which lets
// replayJournal rebuild ledger balances exactly.

// tradeDigest hashes the record's content together with the digest of the
// preceding entry. Fields are length-delimited so adjacent values cannot be
// reassembled into the same byte stream.
func tradeDigest(prev string, rec storage.TradeRecord) (string, error) {
	buf := bytes.NewBuffer(nil)
	fields := []string{prev, rec.Key, rec.Op, rec.Account, rec.Beneficiary, rec.DevAccount, rec.Token, rec.AmountIn, rec.AmountOut, rec.Fee, rec.Worth, rec.Price}
	for _, field := range fields {
		if err := writeDelimited(buf, []byte(field)); err != nil {
			return "", err
		}
	}
	if err := binary.Write(buf, binary.BigEndian, uint64(rec.CreatedAt.Unix())); err != nil {
		return "", err
	}
	sum := blake3.Sum256(buf.Bytes())
	return hex.EncodeToString(sum[:]), nil
}

func writeDelimited(buf *bytes.Buffer, data []byte) error {
	length := uint32(0)
	if data != nil {
		length = uint32(len(data))
	}
	if err := binary.Write(buf, binary.BigEndian, length); err != nil {
		return err
	}
	if length == 0 {
		return nil
	}
	if _, err := buf.Write(data); err != nil {
		return err
	}
	return nil
}

// verifyChain walks journal records in sequence order and recomputes every
// digest. It returns the number of verified records and the first break.
func verifyChain(records []storage.TradeRecord) (int, error) {
	prev := ""
	for i, rec := range records {
		if rec.PrevDigest != prev {
			return i, fmt.Errorf("trading: journal break at seq %d: prev digest mismatch", rec.Seq)
		}
		digest, err := tradeDigest(prev, rec)
		if err != nil {
			return i, err
		}
		if digest != rec.Digest {
			return i, fmt.Errorf("trading: journal break at seq %d: digest mismatch", rec.Seq)
		}
		prev = rec.Digest
	}
	return len(records), nil
}

// replayJournal re-applies the ledger movements of a verified journal against
// freshly seeded ledgers. The curve itself is restored from a snapshot; this
// rebuilds the balances that back it. Movements mirror the engine exactly:
// buys mint net output to the beneficiary and the fee to the dev account,
// sells burn the net amount and route the fee, realizes burn claims and mint
// market tokens, burns just destroy supply.
func replayJournal(token, claim *ledger.Ledger, records []storage.TradeRecord) error {
	for _, rec := range records {
		amountIn, err := parseAmount(rec.AmountIn)
		if err != nil {
			return err
		}
		amountOut, err := parseAmount(rec.AmountOut)
		if err != nil {
			return err
		}
		fee, err := parseAmount(rec.Fee)
		if err != nil {
			return err
		}
		switch rec.Op {
		case OpBuy:
			if err := token.Mint(rec.Beneficiary, amountOut); err != nil {
				return fmt.Errorf("trading: replay seq %d: %w", rec.Seq, err)
			}
			if fee.Sign() > 0 {
				if err := token.Mint(rec.DevAccount, fee); err != nil {
					return fmt.Errorf("trading: replay seq %d: %w", rec.Seq, err)
				}
			}
		case OpSell:
			net := new(big.Int).Sub(amountIn, fee)
			if err := token.BurnFrom(rec.Account, net); err != nil {
				return fmt.Errorf("trading: replay seq %d: %w", rec.Seq, err)
			}
			if fee.Sign() > 0 {
				if err := token.Transfer(rec.Account, rec.DevAccount, fee); err != nil {
					return fmt.Errorf("trading: replay seq %d: %w", rec.Seq, err)
				}
			}
		case OpRealize:
			if claim == nil {
				return fmt.Errorf("trading: replay seq %d: claim ledger required", rec.Seq)
			}
			if err := claim.BurnFrom(rec.Account, amountIn); err != nil {
				return fmt.Errorf("trading: replay seq %d: %w", rec.Seq, err)
			}
			if err := token.Mint(rec.Beneficiary, amountOut); err != nil {
				return fmt.Errorf("trading: replay seq %d: %w", rec.Seq, err)
			}
		case OpBurn:
			if err := token.BurnFrom(rec.Account, amountIn); err != nil {
				return fmt.Errorf("trading: replay seq %d: %w", rec.Seq, err)
			}
		default:
			return fmt.Errorf("trading: replay seq %d: %w", rec.Seq, ErrUnknownOp)
		}
	}
	return nil
}

func parseAmount(raw string) (*big.Int, error) {
	value, ok := new(big.Int).SetString(strings.TrimSpace(raw), 10)
	if !ok {
		return nil, fmt.Errorf("trading: corrupt journal amount %q", raw)
	}
	return value, nil
}

func resultFromRecord(rec storage.TradeRecord) (*TradeResult, error) {
	amountIn, err := parseAmount(rec.AmountIn)
	if err != nil {
		return nil, err
	}
	amountOut, err := parseAmount(rec.AmountOut)
	if err != nil {
		return nil, err
	}
	fee, err := parseAmount(rec.Fee)
	if err != nil {
		return nil, err
	}
	worth, err := parseAmount(rec.Worth)
	if err != nil {
		return nil, err
	}
	price, err := parseAmount(rec.Price)
	if err != nil {
		return nil, err
	}
	return &TradeResult{
		Seq:       rec.Seq,
		Key:       rec.Key,
		Op:        rec.Op,
		Account:   rec.Account,
		Token:     rec.Token,
		AmountIn:  amountIn,
		AmountOut: amountOut,
		Fee:       fee,
		Worth:     worth,
		Price:     price,
		Digest:    rec.Digest,
		AppliedAt: rec.CreatedAt,
	}, nil
}
