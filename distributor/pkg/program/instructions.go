package program

import (
	"bytes"
	"encoding/binary"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

// Custom error codes returned by the program (anchor numbering starts at 6000).
const (
	ErrCodeInvalidProof          = 6000
	ErrCodeExceedsMaxClaim       = 6001
	ErrCodeExceedsMaxNumNodes    = 6002
	ErrCodeExpired               = 6003
	ErrCodeRootAlreadyUploaded   = 6004
	ErrCodePrematureClose        = 6005
	ErrCodeUnauthorized          = 6006
	ErrCodeInsufficientFunds     = 6007
	ErrCodeRootNotUploaded       = 6008
	ErrCodeUnclaimedFundsPending = 6009
)

// Builder constructs instructions against a deployed program.
type Builder struct {
	ProgramID solana.PublicKey
	config    solana.PublicKey
}

func NewBuilder(programID solana.PublicKey) (*Builder, error) {
	if programID.IsZero() {
		return nil, fmt.Errorf("program id is required")
	}
	config, _, err := DeriveConfig(programID)
	if err != nil {
		return nil, err
	}
	return &Builder{ProgramID: programID, config: config}, nil
}

// UploadRootArgs is the payload of upload_root.
type UploadRootArgs struct {
	Root          [32]byte
	MaxTotalClaim uint64
	MaxNumNodes   uint64
}

func (b *Builder) UploadRoot(distributionAccount, authority solana.PublicKey, args UploadRootArgs) (solana.Instruction, error) {
	data, err := encode(uploadRootDiscriminator, func(enc *bin.Encoder) error {
		if err := enc.WriteBytes(args.Root[:], false); err != nil {
			return err
		}
		if err := enc.WriteUint64(args.MaxTotalClaim, binary.LittleEndian); err != nil {
			return err
		}
		return enc.WriteUint64(args.MaxNumNodes, binary.LittleEndian)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode upload_root: %w", err)
	}
	return solana.NewInstruction(b.ProgramID, solana.AccountMetaSlice{
		solana.Meta(b.config),
		solana.Meta(distributionAccount).WRITE(),
		solana.Meta(authority).WRITE().SIGNER(),
	}, data), nil
}

// ClaimArgs is the payload of claim.
type ClaimArgs struct {
	Proof     [][32]byte
	Amount    uint64
	LeafIndex uint64
}

func (b *Builder) Claim(distributionAccount, claimant, payer solana.PublicKey, args ClaimArgs) (solana.Instruction, error) {
	claimStatus, _, err := DeriveClaimStatus(b.ProgramID, claimant, distributionAccount)
	if err != nil {
		return nil, err
	}
	data, err := encode(claimDiscriminator, func(enc *bin.Encoder) error {
		if err := enc.WriteUint32(uint32(len(args.Proof)), binary.LittleEndian); err != nil {
			return err
		}
		for _, h := range args.Proof {
			if err := enc.WriteBytes(h[:], false); err != nil {
				return err
			}
		}
		if err := enc.WriteUint64(args.Amount, binary.LittleEndian); err != nil {
			return err
		}
		return enc.WriteUint64(args.LeafIndex, binary.LittleEndian)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode claim: %w", err)
	}
	return solana.NewInstruction(b.ProgramID, solana.AccountMetaSlice{
		solana.Meta(b.config),
		solana.Meta(distributionAccount).WRITE(),
		solana.Meta(claimStatus).WRITE(),
		solana.Meta(claimant).WRITE(),
		solana.Meta(payer).WRITE().SIGNER(),
		solana.Meta(solana.SystemProgramID),
	}, data), nil
}

func (b *Builder) CloseAccount(distributionAccount, rentReceiver, signer solana.PublicKey) (solana.Instruction, error) {
	data, err := encode(closeAccountDiscriminator, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to encode close_account: %w", err)
	}
	return solana.NewInstruction(b.ProgramID, solana.AccountMetaSlice{
		solana.Meta(b.config),
		solana.Meta(distributionAccount).WRITE(),
		solana.Meta(rentReceiver).WRITE(),
		solana.Meta(signer).WRITE().SIGNER(),
	}, data), nil
}

func encode(disc [8]byte, body func(enc *bin.Encoder) error) ([]byte, error) {
	var buf bytes.Buffer
	enc := bin.NewBorshEncoder(&buf)
	if err := enc.WriteBytes(disc[:], false); err != nil {
		return nil, err
	}
	if body != nil {
		if err := body(enc); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

const (
	InstructionUploadRoot   = "upload_merkle_root"
	InstructionClaim        = "claim"
	InstructionCloseAccount = "close_tip_distribution_account"
)

// InstructionName identifies an instruction by its discriminator.
func InstructionName(data []byte) (string, error) {
	if len(data) < 8 {
		return "", fmt.Errorf("instruction data too short: %d bytes", len(data))
	}
	var d [8]byte
	copy(d[:], data[:8])
	switch d {
	case uploadRootDiscriminator:
		return InstructionUploadRoot, nil
	case claimDiscriminator:
		return InstructionClaim, nil
	case closeAccountDiscriminator:
		return InstructionCloseAccount, nil
	}
	return "", fmt.Errorf("unknown instruction discriminator %x", d)
}

func DecodeUploadRootArgs(data []byte) (UploadRootArgs, error) {
	var args UploadRootArgs
	dec := bin.NewBorshDecoder(data)
	if err := checkDiscriminator(dec, uploadRootDiscriminator); err != nil {
		return args, err
	}
	root, err := dec.ReadNBytes(32)
	if err != nil {
		return args, fmt.Errorf("failed to read root: %w", err)
	}
	copy(args.Root[:], root)
	if args.MaxTotalClaim, err = dec.ReadUint64(binary.LittleEndian); err != nil {
		return args, fmt.Errorf("failed to read max total claim: %w", err)
	}
	if args.MaxNumNodes, err = dec.ReadUint64(binary.LittleEndian); err != nil {
		return args, fmt.Errorf("failed to read max num nodes: %w", err)
	}
	return args, nil
}

func DecodeClaimArgs(data []byte) (ClaimArgs, error) {
	var args ClaimArgs
	dec := bin.NewBorshDecoder(data)
	if err := checkDiscriminator(dec, claimDiscriminator); err != nil {
		return args, err
	}
	n, err := dec.ReadUint32(binary.LittleEndian)
	if err != nil {
		return args, fmt.Errorf("failed to read proof length: %w", err)
	}
	if n > 64 {
		return args, fmt.Errorf("proof length %d exceeds 64", n)
	}
	args.Proof = make([][32]byte, n)
	for i := range args.Proof {
		h, err := dec.ReadNBytes(32)
		if err != nil {
			return args, fmt.Errorf("failed to read proof hash %d: %w", i, err)
		}
		copy(args.Proof[i][:], h)
	}
	if args.Amount, err = dec.ReadUint64(binary.LittleEndian); err != nil {
		return args, fmt.Errorf("failed to read amount: %w", err)
	}
	if args.LeafIndex, err = dec.ReadUint64(binary.LittleEndian); err != nil {
		return args, fmt.Errorf("failed to read leaf index: %w", err)
	}
	return args, nil
}
