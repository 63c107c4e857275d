package main

import (
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/urfave/cli"

	"github.com/veilledger/veil/asset"
	"github.com/veilledger/veil/ledger"
	"github.com/veilledger/veil/memo"
	"github.com/veilledger/veil/utxo"
)

var assetsCommand = cli.Command{
	Name:      "assets",
	Usage:     "Show a registered asset type.",
	ArgsUsage: "code",
	Description: `
	Look up an asset type definition by its hex encoded 32-byte code and
	print it, including the cumulative issued units.`,
	Action: showAsset,
}

func showAsset(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return cli.ShowCommandHelp(ctx, "assets")
	}
	code, err := asset.CodeFromString(ctx.Args().First())
	if err != nil {
		return err
	}

	l, store, err := openLedger(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	def := l.LookupAsset(code)
	if def == nil {
		return fmt.Errorf("asset %v not registered", code)
	}

	printJSON(struct {
		Code         string `json:"code"`
		Issuer       string `json:"issuer"`
		Memo         string `json:"memo"`
		Transferable bool   `json:"transferable"`
		HasCap       bool   `json:"has_cap"`
		MaxUnits     uint64 `json:"max_units"`
		Issued       uint64 `json:"issued"`
	}{
		Code:         def.Code.String(),
		Issuer:       def.Issuer.String(),
		Memo:         def.Memo,
		Transferable: def.Transferable,
		HasCap:       def.HasCap,
		MaxUnits:     def.MaxUnits,
		Issued:       def.Issued,
	})
	return nil
}

var utxoCommand = cli.Command{
	Name:      "utxo",
	Usage:     "Show an output by its sequence identifier.",
	ArgsUsage: "sid",
	Description: `
	Look up an output record by TxoSID and print it together with its
	current spent status. Hidden fields print as their commitments.`,
	Action: showUtxo,
}

func showUtxo(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return cli.ShowCommandHelp(ctx, "utxo")
	}
	var sid uint64
	if _, err := fmt.Sscanf(ctx.Args().First(), "%d", &sid); err != nil {
		return fmt.Errorf("invalid sid: %w", err)
	}

	l, store, err := openLedger(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	info, err := l.LookupUtxo(utxo.SID(sid))
	if err != nil {
		return err
	}

	resp := struct {
		SID        uint64  `json:"sid"`
		Owner      string  `json:"owner"`
		Amount     *uint64 `json:"amount,omitempty"`
		AmountComm string  `json:"amount_commitment"`
		Type       string  `json:"type,omitempty"`
		TypeComm   string  `json:"type_commitment"`
		Spent      bool    `json:"spent"`
		HasMemo    bool    `json:"has_memo"`
	}{
		SID:        uint64(info.Record.SID),
		Owner:      info.Record.Owner.String(),
		Amount:     info.Record.Amount.Plain,
		AmountComm: info.Record.Amount.Commitment.String(),
		TypeComm:   info.Record.Type.Commitment.String(),
		Spent:      info.Spent,
		HasMemo:    l.FetchMemo(info.Record.SID) != nil,
	}
	if info.Record.Type.Plain != nil {
		resp.Type = info.Record.Type.Plain.String()
	}
	printJSON(resp)
	return nil
}

var memoCommand = cli.Command{
	Name:      "memo",
	Usage:     "Fetch the owner memo of an output.",
	ArgsUsage: "sid",
	Flags: []cli.Flag{
		cli.StringFlag{
			Name: "key",
			Usage: "Hex encoded secret key of the memo's " +
				"recipient; if set, the memo is decrypted " +
				"and the opening printed.",
		},
	},
	Description: `
	Fetch the encrypted owner memo attached to an output. Without --key
	the raw memo is printed; with the recipient's secret key the hidden
	opening (amount, asset code, blinding factors) is recovered and
	checked against the on-ledger commitments.`,
	Action: showMemo,
}

func showMemo(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return cli.ShowCommandHelp(ctx, "memo")
	}
	var sid uint64
	if _, err := fmt.Sscanf(ctx.Args().First(), "%d", &sid); err != nil {
		return fmt.Errorf("invalid sid: %w", err)
	}

	l, store, err := openLedger(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	m := l.FetchMemo(utxo.SID(sid))
	if m == nil {
		return fmt.Errorf("output %d carries no memo", sid)
	}

	if !ctx.IsSet("key") {
		printJSON(struct {
			SID          uint64 `json:"sid"`
			EphemeralKey string `json:"ephemeral_key"`
			Ciphertext   string `json:"ciphertext"`
		}{
			SID:          sid,
			EphemeralKey: m.EphemeralKey.String(),
			Ciphertext:   hex.EncodeToString(m.Ciphertext),
		})
		return nil
	}

	keyBytes, err := hex.DecodeString(ctx.String("key"))
	if err != nil || len(keyBytes) != 32 {
		return fmt.Errorf("invalid secret key")
	}
	secret, _ := btcec.PrivKeyFromBytes(keyBytes)

	opening, err := memo.Decrypt(secret, m)
	if err != nil {
		return err
	}

	info, err := l.LookupUtxo(utxo.SID(sid))
	if err != nil {
		return err
	}
	matches := opening.Matches(
		info.Record.Amount.Commitment, info.Record.Type.Commitment,
	)

	printJSON(struct {
		SID     uint64 `json:"sid"`
		Amount  uint64 `json:"amount"`
		Code    string `json:"code"`
		Matches bool   `json:"matches_commitments"`
	}{
		SID:     sid,
		Amount:  opening.Amount,
		Code:    hex.EncodeToString(opening.Code[:]),
		Matches: matches,
	})
	return nil
}

var proofCommand = cli.Command{
	Name:      "proof",
	Usage:     "Generate a merkle inclusion proof for an output.",
	ArgsUsage: "sid",
	Description: `
	Generate an inclusion proof for the output against the current
	accumulator root, verify it locally and print the compressed proof.`,
	Action: showProof,
}

func showProof(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return cli.ShowCommandHelp(ctx, "proof")
	}
	var sid uint64
	if _, err := fmt.Sscanf(ctx.Args().First(), "%d", &sid); err != nil {
		return fmt.Errorf("invalid sid: %w", err)
	}

	l, store, err := openLedger(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	proof, leaf, err := l.InclusionProof(utxo.SID(sid))
	if err != nil {
		return err
	}

	commit, err := l.CurrentCommitment()
	if err != nil {
		return err
	}

	info, err := l.LookupUtxo(utxo.SID(sid))
	if err != nil {
		return err
	}
	valid := ledger.VerifyInclusion(
		utxo.SID(sid), info.Record.Digest(), proof, commit.AccRoot,
	)

	compressed := proof.Compress()
	nodes := make([]string, 0, len(compressed.Nodes))
	for _, node := range compressed.Nodes {
		hash := node.NodeHash()
		nodes = append(nodes, fmt.Sprintf("%x/%d", hash[:],
			node.NodeSum()))
	}

	printJSON(struct {
		SID      uint64   `json:"sid"`
		Height   uint64   `json:"height"`
		RootHash string   `json:"root_hash"`
		RootSum  uint64   `json:"root_sum"`
		LeafSum  uint64   `json:"leaf_sum"`
		Valid    bool     `json:"valid"`
		Nodes    []string `json:"nodes"`
	}{
		SID:      sid,
		Height:   commit.Height,
		RootHash: hex.EncodeToString(commit.AccRoot.Hash[:]),
		RootSum:  commit.AccRoot.Sum,
		LeafSum:  leaf.NodeSum(),
		Valid:    valid,
		Nodes:    nodes,
	})
	return nil
}

var commitmentCommand = cli.Command{
	Name:      "commitment",
	Usage:     "Show the state commitment at a height.",
	ArgsUsage: "[height]",
	Description: `
	Print the state commitment of the given height, or of the last
	committed block if no height is given.`,
	Action: showCommitment,
}

func showCommitment(ctx *cli.Context) error {
	l, store, err := openLedger(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	var commit ledger.StateCommitment
	if ctx.NArg() > 0 {
		var height uint64
		_, err := fmt.Sscanf(ctx.Args().First(), "%d", &height)
		if err != nil {
			return fmt.Errorf("invalid height: %w", err)
		}
		commit, err = l.CommitmentAt(height)
		if err != nil {
			return err
		}
	} else {
		commit, err = l.CurrentCommitment()
		if err != nil {
			return err
		}
	}

	printJSON(struct {
		Height       uint64 `json:"height"`
		Digest       string `json:"digest"`
		PrevDigest   string `json:"prev_digest"`
		AccRootHash  string `json:"accumulator_root_hash"`
		AccRootSum   uint64 `json:"accumulator_root_sum"`
		BitmapCk     string `json:"bitmap_checksum"`
		RegistryCk   string `json:"registry_checksum"`
		TotalOutputs uint64 `json:"total_outputs"`
	}{
		Height:       commit.Height,
		Digest:       commit.String(),
		PrevDigest:   hex.EncodeToString(commit.PrevDigest[:]),
		AccRootHash:  hex.EncodeToString(commit.AccRoot.Hash[:]),
		AccRootSum:   commit.AccRoot.Sum,
		BitmapCk:     hex.EncodeToString(commit.BitmapChecksum[:]),
		RegistryCk:   hex.EncodeToString(commit.RegistryChecksum[:]),
		TotalOutputs: commit.AccRoot.Sum,
	})
	return nil
}
