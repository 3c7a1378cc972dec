// Package program describes the on-chain tip distribution program: account addresses,
// account layouts and the instructions this system submits to it.
package program

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

var (
	DistributionAccountSeed = []byte("TIP_DISTRIBUTION_ACCOUNT")
	ClaimStatusSeed         = []byte("CLAIM_STATUS")
	ConfigSeed              = []byte("CONFIG")
)

// Anchor style discriminators: the first 8 bytes of sha256("<namespace>:<name>").
var (
	distributionAccountDiscriminator = discriminator("account", "TipDistributionAccount")
	claimStatusDiscriminator         = discriminator("account", "ClaimStatus")

	uploadRootDiscriminator   = discriminator("global", "upload_merkle_root")
	claimDiscriminator        = discriminator("global", "claim")
	closeAccountDiscriminator = discriminator("global", "close_tip_distribution_account")
)

func discriminator(namespace, name string) [8]byte {
	sum := sha256.Sum256([]byte(namespace + ":" + name))
	var d [8]byte
	copy(d[:], sum[:8])
	return d
}

func DeriveDistributionAccount(programID, voteAccount solana.PublicKey, epoch uint64) (solana.PublicKey, uint8, error) {
	var epochLE [8]byte
	binary.LittleEndian.PutUint64(epochLE[:], epoch)
	pda, bump, err := solana.FindProgramAddress([][]byte{DistributionAccountSeed, voteAccount.Bytes(), epochLE[:]}, programID)
	if err != nil {
		return solana.PublicKey{}, 0, fmt.Errorf("failed to derive distribution account for %s: %w", voteAccount, err)
	}
	return pda, bump, nil
}

func DeriveClaimStatus(programID, claimant, distributionAccount solana.PublicKey) (solana.PublicKey, uint8, error) {
	pda, bump, err := solana.FindProgramAddress([][]byte{ClaimStatusSeed, claimant.Bytes(), distributionAccount.Bytes()}, programID)
	if err != nil {
		return solana.PublicKey{}, 0, fmt.Errorf("failed to derive claim status for %s: %w", claimant, err)
	}
	return pda, bump, nil
}

func DeriveConfig(programID solana.PublicKey) (solana.PublicKey, uint8, error) {
	pda, bump, err := solana.FindProgramAddress([][]byte{ConfigSeed}, programID)
	if err != nil {
		return solana.PublicKey{}, 0, fmt.Errorf("failed to derive config account: %w", err)
	}
	return pda, bump, nil
}
