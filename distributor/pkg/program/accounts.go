package program

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

var ErrDiscriminatorMismatch = errors.New("account discriminator mismatch")

// MerkleRoot is the root record stored in a distribution account once uploaded.
type MerkleRoot struct {
	Root              [32]byte
	MaxTotalClaim     uint64
	MaxNumNodes       uint64
	TotalFundsClaimed uint64
	NumNodesClaimed   uint64
}

// DistributionAccount is the per-validator per-epoch account that collects tips, stores the
// uploaded root and tracks claim progress.
type DistributionAccount struct {
	ValidatorVoteAccount solana.PublicKey
	UploadAuthority      solana.PublicKey
	MerkleRoot           *MerkleRoot
	CommissionBps        uint16
	EpochCreatedAt       uint64
	ExpiresAtSlot        uint64
	Bump                 uint8
}

// Unclaimed is the amount still claimable against the uploaded root.
func (a *DistributionAccount) Unclaimed() uint64 {
	if a.MerkleRoot == nil || a.MerkleRoot.TotalFundsClaimed >= a.MerkleRoot.MaxTotalClaim {
		return 0
	}
	return a.MerkleRoot.MaxTotalClaim - a.MerkleRoot.TotalFundsClaimed
}

func (a *DistributionAccount) Encode() ([]byte, error) {
	var buf bytes.Buffer
	enc := bin.NewBorshEncoder(&buf)
	if err := enc.WriteBytes(distributionAccountDiscriminator[:], false); err != nil {
		return nil, err
	}
	if err := enc.WriteBytes(a.ValidatorVoteAccount[:], false); err != nil {
		return nil, err
	}
	if err := enc.WriteBytes(a.UploadAuthority[:], false); err != nil {
		return nil, err
	}
	if a.MerkleRoot == nil {
		if err := enc.WriteUint8(0); err != nil {
			return nil, err
		}
	} else {
		if err := enc.WriteUint8(1); err != nil {
			return nil, err
		}
		if err := enc.WriteBytes(a.MerkleRoot.Root[:], false); err != nil {
			return nil, err
		}
		for _, v := range []uint64{a.MerkleRoot.MaxTotalClaim, a.MerkleRoot.MaxNumNodes, a.MerkleRoot.TotalFundsClaimed, a.MerkleRoot.NumNodesClaimed} {
			if err := enc.WriteUint64(v, binary.LittleEndian); err != nil {
				return nil, err
			}
		}
	}
	if err := enc.WriteUint16(a.CommissionBps, binary.LittleEndian); err != nil {
		return nil, err
	}
	if err := enc.WriteUint64(a.EpochCreatedAt, binary.LittleEndian); err != nil {
		return nil, err
	}
	if err := enc.WriteUint64(a.ExpiresAtSlot, binary.LittleEndian); err != nil {
		return nil, err
	}
	if err := enc.WriteUint8(a.Bump); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func DecodeDistributionAccount(data []byte) (*DistributionAccount, error) {
	dec := bin.NewBorshDecoder(data)
	if err := checkDiscriminator(dec, distributionAccountDiscriminator); err != nil {
		return nil, err
	}

	var a DistributionAccount
	var err error
	if a.ValidatorVoteAccount, err = readPublicKey(dec); err != nil {
		return nil, fmt.Errorf("failed to read validator vote account: %w", err)
	}
	if a.UploadAuthority, err = readPublicKey(dec); err != nil {
		return nil, fmt.Errorf("failed to read upload authority: %w", err)
	}

	hasRoot, err := dec.ReadUint8()
	if err != nil {
		return nil, fmt.Errorf("failed to read merkle root option: %w", err)
	}
	switch hasRoot {
	case 0:
	case 1:
		root, err := dec.ReadNBytes(32)
		if err != nil {
			return nil, fmt.Errorf("failed to read merkle root: %w", err)
		}
		mr := &MerkleRoot{}
		copy(mr.Root[:], root)
		for _, dst := range []*uint64{&mr.MaxTotalClaim, &mr.MaxNumNodes, &mr.TotalFundsClaimed, &mr.NumNodesClaimed} {
			if *dst, err = dec.ReadUint64(binary.LittleEndian); err != nil {
				return nil, fmt.Errorf("failed to read merkle root field: %w", err)
			}
		}
		a.MerkleRoot = mr
	default:
		return nil, fmt.Errorf("invalid merkle root option tag %d", hasRoot)
	}

	if a.CommissionBps, err = dec.ReadUint16(binary.LittleEndian); err != nil {
		return nil, fmt.Errorf("failed to read commission: %w", err)
	}
	if a.EpochCreatedAt, err = dec.ReadUint64(binary.LittleEndian); err != nil {
		return nil, fmt.Errorf("failed to read epoch created at: %w", err)
	}
	if a.ExpiresAtSlot, err = dec.ReadUint64(binary.LittleEndian); err != nil {
		return nil, fmt.Errorf("failed to read expires at: %w", err)
	}
	if a.Bump, err = dec.ReadUint8(); err != nil {
		return nil, fmt.Errorf("failed to read bump: %w", err)
	}
	return &a, nil
}

// ClaimStatus is created by the program the first time a claimant is paid.
type ClaimStatus struct {
	Claimant      solana.PublicKey
	Amount        uint64
	IsClaimed     bool
	ClaimedAtSlot uint64
}

func (c *ClaimStatus) Encode() ([]byte, error) {
	var buf bytes.Buffer
	enc := bin.NewBorshEncoder(&buf)
	if err := enc.WriteBytes(claimStatusDiscriminator[:], false); err != nil {
		return nil, err
	}
	if err := enc.WriteBytes(c.Claimant[:], false); err != nil {
		return nil, err
	}
	if err := enc.WriteUint64(c.Amount, binary.LittleEndian); err != nil {
		return nil, err
	}
	if err := enc.WriteBool(c.IsClaimed); err != nil {
		return nil, err
	}
	if err := enc.WriteUint64(c.ClaimedAtSlot, binary.LittleEndian); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func DecodeClaimStatus(data []byte) (*ClaimStatus, error) {
	dec := bin.NewBorshDecoder(data)
	if err := checkDiscriminator(dec, claimStatusDiscriminator); err != nil {
		return nil, err
	}
	var c ClaimStatus
	var err error
	if c.Claimant, err = readPublicKey(dec); err != nil {
		return nil, fmt.Errorf("failed to read claimant: %w", err)
	}
	if c.Amount, err = dec.ReadUint64(binary.LittleEndian); err != nil {
		return nil, fmt.Errorf("failed to read amount: %w", err)
	}
	if c.IsClaimed, err = dec.ReadBool(); err != nil {
		return nil, fmt.Errorf("failed to read is_claimed: %w", err)
	}
	if c.ClaimedAtSlot, err = dec.ReadUint64(binary.LittleEndian); err != nil {
		return nil, fmt.Errorf("failed to read claimed at slot: %w", err)
	}
	return &c, nil
}

// DistributionAccountDiscriminator is exposed for program-account scans.
func DistributionAccountDiscriminator() [8]byte {
	return distributionAccountDiscriminator
}

func checkDiscriminator(dec *bin.Decoder, want [8]byte) error {
	got, err := dec.ReadNBytes(8)
	if err != nil {
		return fmt.Errorf("failed to read discriminator: %w", err)
	}
	if !bytes.Equal(got, want[:]) {
		return ErrDiscriminatorMismatch
	}
	return nil
}

func readPublicKey(dec *bin.Decoder) (solana.PublicKey, error) {
	b, err := dec.ReadNBytes(solana.PublicKeyLength)
	if err != nil {
		return solana.PublicKey{}, err
	}
	return solana.PublicKeyFromBytes(b), nil
}
