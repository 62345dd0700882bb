package crypto

import (
	"fmt"
)

// ChallengeType names the purpose a challenge response is bound to
type ChallengeType byte

const (
	ChallengeChannelCreation ChallengeType = iota + 1
	ChallengeTrustEstablishment
	ChallengeMutualScan
	ChallengeMutualIntroduction
	ChallengeGroupInvitation
	ChallengeKeycloakDetails
	ChallengeOwnedIdentityTransfer
	ChallengeGroupBlob
	ChallengeDeviceDiscovery
)

const (
	challengeDomain = "zentalk-challenge"

	// ProofNonceSize is the number of fresh random bytes mixed into every proof
	ProofNonceSize = 16
)

var challengePrefixes = map[ChallengeType]string{
	ChallengeChannelCreation:       "channelCreation",
	ChallengeTrustEstablishment:    "trustEstablishment",
	ChallengeMutualScan:            "mutualScan",
	ChallengeMutualIntroduction:    "mutualIntroduction",
	ChallengeGroupInvitation:       "groupInvitation",
	ChallengeKeycloakDetails:       "keycloakDetails",
	ChallengeOwnedIdentityTransfer: "ownedIdentityTransfer",
	ChallengeGroupBlob:             "groupBlob",
	ChallengeDeviceDiscovery:       "deviceDiscovery",
}

// Prefix returns the ASCII domain separation tag of the challenge type
func (c ChallengeType) Prefix() string {
	return challengePrefixes[c]
}

func (c ChallengeType) String() string {
	if p, ok := challengePrefixes[c]; ok {
		return p
	}
	return fmt.Sprintf("unknown(%d)", byte(c))
}

func challengeMessage(ct ChallengeType, nonce, challenge []byte) ([]byte, error) {
	prefix, ok := challengePrefixes[ct]
	if !ok {
		return nil, fmt.Errorf("%w: challenge type %d", ErrUnknownAlgorithm, byte(ct))
	}
	msg := make([]byte, 0, len(challengeDomain)+1+len(prefix)+len(nonce)+len(challenge))
	msg = append(msg, challengeDomain...)
	msg = append(msg, byte(len(prefix)))
	msg = append(msg, prefix...)
	msg = append(msg, nonce...)
	msg = append(msg, challenge...)
	return msg, nil
}

// SolveChallenge proves possession of key for the given challenge.
// The proof is only valid for the same challenge type.
func SolveChallenge(ct ChallengeType, challenge []byte, key SignPrivateKey, prng PRNG) ([]byte, error) {
	nonce := prng.Bytes(ProofNonceSize)
	msg, err := challengeMessage(ct, nonce, challenge)
	if err != nil {
		return nil, err
	}
	sig, err := key.Sign(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to sign challenge: %w", err)
	}
	return append(nonce, sig...), nil
}

// CheckResponse verifies a proof computed by SolveChallenge
func CheckResponse(proof []byte, ct ChallengeType, challenge []byte, key SignPublicKey) bool {
	if len(proof) <= ProofNonceSize {
		return false
	}
	msg, err := challengeMessage(ct, proof[:ProofNonceSize], challenge)
	if err != nil {
		return false
	}
	return key.Verify(msg, proof[ProofNonceSize:])
}
